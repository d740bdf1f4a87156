package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/models"
)

func TestMemoryStore_RequestRoundTripIsCopied(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := seedRequest(t, m, "r1")

	got, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	got.LineItems[0].ServiceType = "mutated"
	*got.CurrentSearchRadius = 99

	again, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r.LineItems, again.LineItems)
	assert.Equal(t, 1, *again.CurrentSearchRadius)
}

func TestMemoryStore_StagedInsertsVisibleOnlyAfterCommit(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.UpsertProvider(ctx, models.Provider{ID: "a", ServiceType: "individual", Available: true}))

	err := m.InMatchTx(ctx, func(tx MatchTx) error {
		require.NoError(t, tx.InsertNotification(ctx, models.NotificationRecord{RequestID: "r1", ProviderID: "a"}))
		ps, err := tx.EligibleProviders(ctx, "r1", "individual")
		require.NoError(t, err)
		assert.Empty(t, ps)
		assert.ErrorIs(t, tx.InsertNotification(ctx, models.NotificationRecord{RequestID: "r1", ProviderID: "a"}), ErrDuplicateNotification)
		return errors.New("abort")
	})
	require.Error(t, err)

	recs, err := m.ListNotifications(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, m.InMatchTx(ctx, func(tx MatchTx) error {
		return tx.InsertNotification(ctx, models.NotificationRecord{RequestID: "r1", ProviderID: "a", NotifiedAt: time.Now()})
	}))
	recs, err = m.ListNotifications(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryStore_RecordExpansionRejectsRegression(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRequest(t, m, "r1")
	now := time.Now()

	require.NoError(t, m.RecordExpansion(ctx, "r1", 3, 1, now))
	assert.ErrorIs(t, m.RecordExpansion(ctx, "r1", 1, 2, now), ErrStaleExpansion)
	assert.ErrorIs(t, m.RecordExpansion(ctx, "r1", 3, 1, now), ErrStaleExpansion, "same attempt twice")
	assert.ErrorIs(t, m.RecordExpansion(ctx, "missing", 3, 1, now), ErrNotFound)
}
