package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/expansion"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, expansion.Tiers{1, 3, 5}, cfg.RadiusTiers)
	assert.Equal(t, 10*time.Second, cfg.ExpansionDelay)
	assert.Equal(t, "radius-expansion", cfg.ExpansionLane)
	assert.Equal(t, 5*time.Second, cfg.PushTimeout)
	assert.Equal(t, 8, cfg.DeliveryConcurrency)
	assert.Equal(t, "egp", cfg.PaymentCurrency)
	assert.False(t, cfg.StopOnMatch)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("MATCH_RADIUS_TIERS_KM", "2, 4,8")
	t.Setenv("EXPANSION_DELAY", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("EXPANSION_STOP_ON_MATCH", "TRUE")
	t.Setenv("PAYMENT_CURRENCY", " USD ")
	t.Setenv("MIGRATE", "true")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, expansion.Tiers{2, 4, 8}, cfg.RadiusTiers)
	assert.Equal(t, 30*time.Second, cfg.ExpansionDelay)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.StopOnMatch)
	assert.Equal(t, "usd", cfg.PaymentCurrency)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("MATCH_RADIUS_TIERS_KM", "5,3")
	t.Setenv("PUSH_TIMEOUT", "soon")
	t.Setenv("DELIVERY_CONCURRENCY", "0")
	t.Setenv("FCM_ENDPOINT", "https://fcm.example/send")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.ErrorIs(t, err, expansion.ErrInvalidTiers)
	assert.Contains(t, err.Error(), "PUSH_TIMEOUT")
	assert.Contains(t, err.Error(), "DELIVERY_CONCURRENCY")
	assert.Contains(t, err.Error(), "FCM_KEY")
}
