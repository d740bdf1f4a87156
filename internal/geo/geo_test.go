package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/service-matching/internal/models"
)

func TestDistanceZero(t *testing.T) {
	d := DistanceKm(30, 31, 30, 31)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceOneDegreeLatitudeAtEquator(t *testing.T) {
	d := DistanceKm(0, 0, 1, 0)
	assert.InDelta(t, 111.19, d, 0.01)
}

func TestDistanceSymmetric(t *testing.T) {
	a := DistanceKm(30.0, 31.0, 30.03, 31.02)
	b := DistanceKm(30.03, 31.02, 30.0, 31.0)
	assert.InDelta(t, a, b, 1e-9)
}

func TestDistanceAntipodal(t *testing.T) {
	d := DistanceKm(0, 0, 0, 180)
	assert.InDelta(t, math.Pi*EarthRadiusKm, d, 1e-6)
}

func TestWithinIsInclusive(t *testing.T) {
	origin := models.Coord{Lat: 0, Lon: 0}
	target := models.Coord{Lat: 1, Lon: 0}
	d, ok := Within(origin, target, Between(origin, target))
	assert.True(t, ok)
	assert.Greater(t, d, 111.0)

	_, ok = Within(origin, target, 100)
	assert.False(t, ok)
}

func TestValidCoord(t *testing.T) {
	assert.True(t, ValidCoord(models.Coord{Lat: 30, Lon: 31}))
	assert.False(t, ValidCoord(models.Coord{Lat: 91, Lon: 0}))
	assert.False(t, ValidCoord(models.Coord{Lat: 0, Lon: -181}))
	assert.False(t, ValidCoord(models.Coord{Lat: math.NaN(), Lon: 0}))
}
