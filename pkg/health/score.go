package health

import (
	"time"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/types"
)

// installAttemptCap bounds the install-failure penalty.
const installAttemptCap = 5

// instabilityCap bounds the boot-instability penalty: this many boots
// since the previous snapshot earns the full weight.
const instabilityCap = 5

// StatusFor maps time since last contact to a health status. A node
// never seen is unknown.
func StatusFor(now time.Time, lastSeen *time.Time, staleAfter, offlineAfter time.Duration) types.HealthStatus {
	if lastSeen == nil {
		return types.HealthUnknown
	}
	since := now.Sub(*lastSeen)
	switch {
	case since <= staleAfter:
		return types.HealthHealthy
	case since <= offlineAfter:
		return types.HealthStale
	default:
		return types.HealthOffline
	}
}

// ScoreFor computes the 0-100 health score. Three weighted penalties
// are subtracted from 100: staleness grows linearly with time since
// last contact up to the offline threshold, install failures scale with
// the attempt count up to a cap, and boot instability scales with the
// boot-count growth since the previous snapshot. Each penalty is
// monotone in its input and the result is clamped to [0, 100].
func ScoreFor(now time.Time, lastSeen *time.Time, installAttempts int, bootDelta int64, cfg config.HealthSettings) int {
	score := 100

	if lastSeen == nil {
		score -= cfg.StalenessWeight
	} else {
		since := now.Sub(*lastSeen)
		if since < 0 {
			since = 0
		}
		if since > cfg.OfflineAfter {
			since = cfg.OfflineAfter
		}
		score -= int(float64(cfg.StalenessWeight) * float64(since) / float64(cfg.OfflineAfter))
	}

	attempts := installAttempts
	if attempts > installAttemptCap {
		attempts = installAttemptCap
	}
	if attempts < 0 {
		attempts = 0
	}
	score -= cfg.InstallWeight * attempts / installAttemptCap

	delta := bootDelta
	if delta > instabilityCap {
		delta = instabilityCap
	}
	if delta < 0 {
		delta = 0
	}
	score -= cfg.InstabilityWeight * int(delta) / instabilityCap

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
