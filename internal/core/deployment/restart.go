package deployment

import (
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Restart Decisions
// =============================================================================

// BackoffConfig bounds the delay between restarts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Backoff returns the delay before restart number attempt (0-based):
// Initial * Multiplier^attempt, never more than Max.
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	if cfg.Initial <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(cfg.Initial)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if cfg.Max > 0 && delay >= float64(cfg.Max) {
			return cfg.Max
		}
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		return cfg.Max
	}
	return time.Duration(delay)
}

// RestartDecision is what to do after a service process exits.
type RestartDecision struct {
	Restart bool
	Delay   time.Duration
	// Status is the terminal status when Restart is false.
	Status domain.ServiceStatus
	Reason string
}

// DecideRestart applies a restart policy to a process exit. attempts is the
// number of restarts already performed for the service.
//
//   - always: restart unconditionally with backoff
//   - on-failure(N): restart on non-zero exit while attempts < N; a clean
//     exit stops the service
//   - never: fail immediately
func DecideRestart(policy topology.RestartPolicy, exitCode int64, attempts int, backoff BackoffConfig) RestartDecision {
	switch policy.Mode {
	case topology.RestartAlways:
		return RestartDecision{Restart: true, Delay: Backoff(attempts, backoff), Reason: "restart policy is always"}

	case topology.RestartOnFailure:
		if exitCode == 0 {
			return RestartDecision{Status: domain.StatusStopped, Reason: "exited cleanly"}
		}
		if attempts >= policy.MaxAttempts {
			return RestartDecision{Status: domain.StatusFailed, Reason: "restart attempts exhausted"}
		}
		return RestartDecision{Restart: true, Delay: Backoff(attempts, backoff), Reason: "non-zero exit"}

	default:
		return RestartDecision{Status: domain.StatusFailed, Reason: "restart policy is never"}
	}
}
