package restartpolicy

import (
	"math"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
)

// ExitReason says why an instance ended.
type ExitReason string

const (
	ExitReasonExit          ExitReason = "exit"
	ExitReasonSignal        ExitReason = "signal"
	ExitReasonMemoryLimit   ExitReason = "memory-limit"
	ExitReasonLaunchFailure ExitReason = "launch-failure"
)

// Exit is the outcome of one instance as seen by the supervisor.
type Exit struct {
	Reason ExitReason
	Code   int
	Signal string
	At     time.Time
	Uptime time.Duration
	Err    error
}

// State is the per-app restart bookkeeping. Only the supervisor mutates
// it, after each decision.
type State struct {
	Attempts       int        `json:"attempts"` // consecutive restarts since the last stable run
	Restarts       int        `json:"restarts"` // total restarts scheduled
	LastExitAt     time.Time  `json:"last_exit_at,omitempty"`
	LastExitReason ExitReason `json:"last_exit_reason,omitempty"`
	LastExitCode   int        `json:"last_exit_code"`
	LastExitSignal string     `json:"last_exit_signal,omitempty"`
}

// Decision is what to do about an exit. After is only meaningful when
// Restart is true.
type Decision struct {
	Restart       bool
	After         time.Duration
	ResetAttempts bool
}

func Stop() Decision {
	return Decision{}
}

func RestartAfter(delay time.Duration) Decision {
	return Decision{Restart: true, After: delay}
}

// Policy decides what follows an exit. Implementations must be pure:
// same inputs, same decision.
type Policy interface {
	Decide(exit Exit, state State, spec appspec.AppSpec) Decision
}

// Stable reports whether the instance ran longer than the stability
// window, which clears the consecutive attempt count.
func Stable(exit Exit, spec appspec.AppSpec) bool {
	if exit.Reason == ExitReasonLaunchFailure {
		return false
	}
	return exit.Uptime > spec.MinUptime
}

// FixedDelay restarts after spec.RestartDelay, forever, whenever
// autorestart is on. It ignores the exit reason and attempt count.
type FixedDelay struct{}

func (FixedDelay) Decide(exit Exit, state State, spec appspec.AppSpec) Decision {
	decision := Stop()
	if spec.Autorestart {
		decision = RestartAfter(spec.RestartDelay)
	}
	decision.ResetAttempts = Stable(exit, spec)
	return decision
}

// Decide applies the default FixedDelay policy.
func Decide(exit Exit, state State, spec appspec.AppSpec) Decision {
	return FixedDelay{}.Decide(exit, state, spec)
}

const (
	BackoffMultiplier = 1.5
	MaxBackoffDelay   = 15 * time.Second
)

// Bounded stops after MaxRestarts consecutive restarts (0 means no cap)
// and, when BaseDelay is set, grows the delay by BackoffMultiplier per
// attempt up to MaxDelay instead of using the fixed restart delay.
type Bounded struct {
	MaxRestarts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (b Bounded) Decide(exit Exit, state State, spec appspec.AppSpec) Decision {
	stable := Stable(exit, spec)
	if !spec.Autorestart {
		return Decision{ResetAttempts: stable}
	}

	attempts := state.Attempts
	if stable {
		attempts = 0
	}
	if b.MaxRestarts > 0 && attempts >= b.MaxRestarts {
		return Decision{ResetAttempts: stable}
	}

	delay := spec.RestartDelay
	if b.BaseDelay > 0 {
		delay = backoffDelay(b.BaseDelay, b.maxDelay(), attempts)
	}
	return Decision{Restart: true, After: delay, ResetAttempts: stable}
}

func (b Bounded) maxDelay() time.Duration {
	if b.MaxDelay > 0 {
		return b.MaxDelay
	}
	return MaxBackoffDelay
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	scaled := float64(base) * math.Pow(BackoffMultiplier, float64(attempts))
	if scaled >= float64(max) || math.IsInf(scaled, 0) {
		return max
	}
	return time.Duration(scaled)
}

// ForSpec picks the policy an app's configuration asks for: FixedDelay
// unless max_restarts or exp_backoff_restart_delay is set.
func ForSpec(spec appspec.AppSpec) Policy {
	if spec.MaxRestarts == 0 && spec.ExpBackoffRestartDelay == 0 {
		return FixedDelay{}
	}
	return Bounded{
		MaxRestarts: spec.MaxRestarts,
		BaseDelay:   spec.ExpBackoffRestartDelay,
	}
}
