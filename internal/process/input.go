package process

import (
	"io"
	"sync"
)

// inputBuffer is how many pending lines a process may queue before input is dropped.
const inputBuffer = 256

// Input feeds a child's stdin from its own goroutine so callers never block
// on a full pipe. Lines are written in the order they were sent.
type Input struct {
	w     io.Writer
	queue chan string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewInput starts the writer goroutine for w. It runs until Close or a write error.
func NewInput(w io.Writer) *Input {
	in := &Input{
		w:     w,
		queue: make(chan string, inputBuffer),
		done:  make(chan struct{}),
	}
	go in.run()
	return in
}

// Send queues text without blocking. It reports false when the input is
// closed or the queue is full, in which case text is dropped.
func (in *Input) Send(text string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	select {
	case in.queue <- text:
		return true
	default:
		return false
	}
}

// Close stops the writer. Pending lines are discarded. The underlying
// writer is left open; its owner closes it.
func (in *Input) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.done)
}

func (in *Input) run() {
	for {
		select {
		case <-in.done:
			return
		case text := <-in.queue:
			if _, err := io.WriteString(in.w, text); err != nil {
				// Broken pipe: the child is gone or closed stdin.
				in.Close()
				return
			}
		}
	}
}
