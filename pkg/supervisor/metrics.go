package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"
)

// MetricsCollector receives supervisor events. Calls happen with the
// supervisor lock held and must not block.
type MetricsCollector interface {
	// StateTransition records a lifecycle state change
	StateTransition(app string, from, to State)

	// Exit records an instance ending, launch failures included
	Exit(app string, reason restartpolicy.ExitReason)

	// Restart records a scheduled restart and its delay
	Restart(app string, reason restartpolicy.ExitReason, delay time.Duration)

	// MemorySample records the latest RSS reading
	MemorySample(app string, rssBytes int64)
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) StateTransition(app string, from, to State)              {}
func (n *noopMetricsCollector) Exit(app string, reason restartpolicy.ExitReason)        {}
func (n *noopMetricsCollector) Restart(string, restartpolicy.ExitReason, time.Duration) {}
func (n *noopMetricsCollector) MemorySample(app string, rssBytes int64)                 {}

func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
