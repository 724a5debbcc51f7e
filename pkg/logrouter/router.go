package logrouter

import (
	stderrors "errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

const readBufferSize = 32 * 1024

// Stats counts what the router has written so far.
type Stats struct {
	Lines       int64 `json:"lines"`
	Bytes       int64 `json:"bytes"`
	WriteErrors int64 `json:"write_errors"`
}

// Router copies a child's stdout and stderr into sinks line by line. One
// Router serves every instance of an app; Attach is called per launch.
type Router struct {
	sinks      *Sinks
	dateFormat string
	logger     logging.Logger
	now        func() time.Time

	lines       atomic.Int64
	bytes       atomic.Int64
	writeErrors atomic.Int64
}

// NewRouter creates a router. A non-empty dateFormat (Go time layout)
// prefixes each line with its capture time.
func NewRouter(sinks *Sinks, dateFormat string, logger logging.Logger) *Router {
	return &Router{
		sinks:      sinks,
		dateFormat: dateFormat,
		logger:     logger,
		now:        time.Now,
	}
}

// Attachment tracks the readers started for one instance.
type Attachment struct {
	done chan struct{}
}

// Done is closed when both streams hit EOF (or failed) and any trailing
// partial line has been flushed.
func (a *Attachment) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until Done or timeout and reports whether the streams
// drained.
func (a *Attachment) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.done:
		return true
	case <-timer.C:
		return false
	}
}

// Attach starts one reader per stream. Readers run until their stream
// ends; a nil stream is skipped.
func (r *Router) Attach(stdout, stderr io.Reader) *Attachment {
	attachment := &Attachment{done: make(chan struct{})}

	var wg sync.WaitGroup
	for _, s := range []struct {
		stream StreamType
		src    io.Reader
		sink   *Sink
	}{
		{StdoutStream, stdout, r.sinks.Stdout},
		{StderrStream, stderr, r.sinks.Stderr},
	} {
		if s.src == nil {
			continue
		}
		wg.Add(1)
		go func(stream StreamType, src io.Reader, sink *Sink) {
			defer wg.Done()
			r.streamReader(stream, src, sink)
		}(s.stream, s.src, s.sink)
	}

	go func() {
		wg.Wait()
		close(attachment.done)
	}()

	return attachment
}

func (r *Router) Stats() Stats {
	return Stats{
		Lines:       r.lines.Load(),
		Bytes:       r.bytes.Load(),
		WriteErrors: r.writeErrors.Load(),
	}
}

func (r *Router) streamReader(stream StreamType, src io.Reader, sink *Sink) {
	var splitter lineSplitter
	emit := func(line []byte) {
		r.writeLine(stream, sink, line)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			splitter.Feed(buf[:n], emit)
		}
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, os.ErrClosed) {
				r.logger.Warnf("Log stream read failed, stream: %s, error: %v", stream, err)
			}
			break
		}
	}

	if pending := splitter.Pending(); pending > 0 {
		r.logger.Debugf("Flushing unterminated line, stream: %s, bytes: %d", stream, pending)
	}
	splitter.Flush(emit)
}

func (r *Router) writeLine(stream StreamType, sink *Sink, line []byte) {
	prefix := ""
	if r.dateFormat != "" {
		prefix = r.now().Format(r.dateFormat) + ": "
	}
	if err := sink.WriteLine(prefix, line); err != nil {
		// Dropped; the child keeps running.
		r.writeErrors.Add(1)
		r.logger.Errorf("Dropping log line, stream: %s, error: %v", stream, err)
		return
	}
	r.lines.Add(1)
	r.bytes.Add(int64(len(line)))
}
