package logrouter

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// Sink is a line-oriented destination. Each line is one Write call under
// the sink's mutex, so two streams sharing a sink never interleave within
// a line.
type Sink struct {
	path   string
	writer io.Writer
	closer io.Closer
	buf    []byte
	mutex  sync.Mutex
	closed bool
}

func NewSink(w io.Writer) *Sink {
	s := &Sink{writer: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFileSink opens path for appending, creating it and its parent
// directories as needed. Existing content is never truncated.
func OpenFileSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewConfigError("failed to create log directory", err).WithContext("path", path)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.NewConfigError("failed to open log file", err).WithContext("path", path)
	}
	return &Sink{path: path, writer: file, closer: file}, nil
}

func (s *Sink) Path() string {
	return s.path
}

// WriteLine writes prefix followed by line as a single write.
func (s *Sink) WriteLine(prefix string, line []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return errors.NewLogError("sink is closed", nil).WithContext("path", s.path)
	}

	data := line
	if prefix != "" {
		s.buf = append(s.buf[:0], prefix...)
		s.buf = append(s.buf, line...)
		data = s.buf
	}
	if _, err := s.writer.Write(data); err != nil {
		return errors.NewLogError("failed to write log line", err).WithContext("path", s.path)
	}
	return nil
}

func (s *Sink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Sinks holds the destinations of one app. Stdout and Stderr point at the
// same Sink when logs are merged or both paths are equal.
type Sinks struct {
	Stdout *Sink
	Stderr *Sink
}

// OpenSinks opens the app's log files once. The Supervisor keeps them for
// its whole lifetime, across restarts. Any failure is a ConfigError.
func OpenSinks(spec appspec.AppSpec) (*Sinks, error) {
	stdout, err := OpenFileSink(spec.OutFile)
	if err != nil {
		return nil, err
	}
	if spec.SharedSink() {
		return &Sinks{Stdout: stdout, Stderr: stdout}, nil
	}
	stderr, err := OpenFileSink(spec.ErrorFile)
	if err != nil {
		stdout.Close()
		return nil, err
	}
	return &Sinks{Stdout: stdout, Stderr: stderr}, nil
}

// Merged reports whether both streams share one sink.
func (s *Sinks) Merged() bool {
	return s.Stdout == s.Stderr
}

func (s *Sinks) Close() error {
	collection := errors.NewErrorCollection()
	collection.Add(s.Stdout.Close())
	if !s.Merged() {
		collection.Add(s.Stderr.Close())
	}
	return collection.ToError()
}
