package process

import (
	"io"
	"sync"

	"github.com/dontdude/codexec/internal/domain"
)

// Sink merges several output streams into one OutputFunc.
// Each Write on a stream is delivered as one chunk, so ordering within a
// stream is kept while streams interleave freely.
type Sink struct {
	mu  sync.Mutex
	out domain.OutputFunc
}

// NewSink wraps out. A nil out discards everything.
func NewSink(out domain.OutputFunc) *Sink {
	return &Sink{out: out}
}

// Stream returns a writer feeding the sink. name is informational.
func (s *Sink) Stream(name string) io.Writer {
	return &streamWriter{sink: s, name: name}
}

func (s *Sink) emit(b []byte) {
	if s.out == nil || len(b) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out(string(b))
}

type streamWriter struct {
	sink *Sink
	name string
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.sink.emit(b)
	return len(b), nil
}
