package resourcemonitor

import (
	"context"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// DefaultPollInterval is how often RSS is sampled.
const DefaultPollInterval = 2 * time.Second

// MemorySample is one RSS reading of a supervised process.
type MemorySample struct {
	PID       int
	RSSBytes  int64
	Timestamp time.Time
}

// Target is what the monitor watches: a pid that stays valid until Done
// is closed.
type Target interface {
	Pid() int
	Done() <-chan struct{}
}

// Sampler reads the resident set size of a pid.
type Sampler interface {
	SampleRSS(pid int) (int64, error)
}

type Monitor struct {
	interval time.Duration
	sampler  Sampler
	logger   logging.Logger
}

type Option func(*Monitor)

// WithInterval overrides the poll interval.
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

func WithSampler(sampler Sampler) Option {
	return func(m *Monitor) {
		if sampler != nil {
			m.sampler = sampler
		}
	}
}

func NewMonitor(logger logging.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		interval: DefaultPollInterval,
		sampler:  NewProcessSampler(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch polls target until it exits or ctx is cancelled, then closes the
// returned channel. A sample that cannot be read is logged and skipped.
// The channel is unbuffered: a slow consumer delays the next poll rather
// than queueing stale readings.
func (m *Monitor) Watch(ctx context.Context, target Target) <-chan MemorySample {
	samples := make(chan MemorySample)
	go m.monitorLoop(ctx, target, samples)
	return samples
}

func (m *Monitor) monitorLoop(ctx context.Context, target Target, samples chan<- MemorySample) {
	defer close(samples)

	pid := target.Pid()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debugf("Memory monitoring started, PID: %d, interval: %v", pid, m.interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debugf("Memory monitoring cancelled, PID: %d", pid)
			return
		case <-target.Done():
			m.logger.Debugf("Memory monitoring finished, process exited, PID: %d", pid)
			return
		case <-ticker.C:
		}

		rss, err := m.sampler.SampleRSS(pid)
		if err != nil {
			// The process may have exited between the tick and the read.
			select {
			case <-target.Done():
				return
			default:
			}
			monitorErr := errors.NewMonitorError("failed to sample memory", err).WithContext("pid", pid)
			m.logger.Warnf("Skipping memory sample, PID: %d, error: %v", pid, monitorErr)
			continue
		}

		sample := MemorySample{PID: pid, RSSBytes: rss, Timestamp: time.Now()}
		select {
		case samples <- sample:
		case <-ctx.Done():
			return
		case <-target.Done():
			return
		}
	}
}
