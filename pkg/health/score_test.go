package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/types"
)

func testSettings() config.HealthSettings {
	return config.HealthSettings{
		StaleAfter:        15 * time.Minute,
		OfflineAfter:      60 * time.Minute,
		ScoreThreshold:    50,
		StalenessWeight:   40,
		InstallWeight:     30,
		InstabilityWeight: 30,
	}
}

func seenAgo(now time.Time, d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestStatusFor(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		lastSeen *time.Time
		want     types.HealthStatus
	}{
		{"never seen", nil, types.HealthUnknown},
		{"just seen", seenAgo(now, time.Minute), types.HealthHealthy},
		{"at stale boundary", seenAgo(now, 15*time.Minute), types.HealthHealthy},
		{"past stale", seenAgo(now, 16*time.Minute), types.HealthStale},
		{"at offline boundary", seenAgo(now, 60*time.Minute), types.HealthStale},
		{"past offline", seenAgo(now, 61*time.Minute), types.HealthOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusFor(now, tt.lastSeen, 15*time.Minute, 60*time.Minute)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScoreFor(t *testing.T) {
	now := time.Now()
	cfg := testSettings()

	// A fresh, stable node scores perfect.
	assert.Equal(t, 100, ScoreFor(now, seenAgo(now, 0), 0, 0, cfg))

	// A node never seen takes the full staleness penalty.
	assert.Equal(t, 60, ScoreFor(now, nil, 0, 0, cfg))

	// Staleness scales linearly up to the offline threshold and caps.
	assert.Equal(t, 80, ScoreFor(now, seenAgo(now, 30*time.Minute), 0, 0, cfg))
	assert.Equal(t, 60, ScoreFor(now, seenAgo(now, 60*time.Minute), 0, 0, cfg))
	assert.Equal(t, 60, ScoreFor(now, seenAgo(now, 5*time.Hour), 0, 0, cfg))

	// Install failures scale with attempts and cap at five.
	assert.Equal(t, 94, ScoreFor(now, seenAgo(now, 0), 1, 0, cfg))
	assert.Equal(t, 70, ScoreFor(now, seenAgo(now, 0), 5, 0, cfg))
	assert.Equal(t, 70, ScoreFor(now, seenAgo(now, 0), 9, 0, cfg))

	// Boot instability behaves the same way.
	assert.Equal(t, 94, ScoreFor(now, seenAgo(now, 0), 0, 1, cfg))
	assert.Equal(t, 70, ScoreFor(now, seenAgo(now, 0), 0, 5, cfg))
	assert.Equal(t, 70, ScoreFor(now, seenAgo(now, 0), 0, 50, cfg))

	// All penalties together clamp at zero.
	assert.Equal(t, 0, ScoreFor(now, nil, 5, 5, cfg))

	// A clock skewed into the future never rewards the node.
	future := now.Add(time.Hour)
	assert.Equal(t, 100, ScoreFor(now, &future, 0, 0, cfg))
}

func TestScoreForMonotone(t *testing.T) {
	now := time.Now()
	cfg := testSettings()

	prev := 101
	for _, d := range []time.Duration{0, 10 * time.Minute, 30 * time.Minute, time.Hour, 2 * time.Hour} {
		score := ScoreFor(now, seenAgo(now, d), 0, 0, cfg)
		assert.LessOrEqual(t, score, prev, d)
		prev = score
	}

	prev = 101
	for attempts := 0; attempts <= 8; attempts++ {
		score := ScoreFor(now, seenAgo(now, 0), attempts, 0, cfg)
		assert.LessOrEqual(t, score, prev, attempts)
		prev = score
	}
}
