package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dontdude/codexec/internal/domain"
)

// fakeStarter records commands and hands out controllable processes.
type fakeStarter struct {
	mu       sync.Mutex
	commands []domain.Command
	procs    []*fakeProcess
	err      error
}

func (f *fakeStarter) Start(ctx context.Context, cmd domain.Command, out domain.OutputFunc) (domain.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.err != nil {
		return nil, f.err
	}
	if cmd.Empty() {
		return nil, domain.ErrEmptyCommand
	}
	p := &fakeProcess{out: out, done: make(chan struct{})}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeStarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func (f *fakeStarter) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type fakeProcess struct {
	out domain.OutputFunc

	mu        sync.Mutex
	writes    []string
	callbacks []func()
	exited    bool
	killed    bool
	done      chan struct{}
}

func (p *fakeProcess) Write(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.writes = append(p.writes, text)
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) OnExit(fn func()) {
	p.mu.Lock()
	if !p.exited {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
}

// print simulates the child writing to stdout.
func (p *fakeProcess) print(text string) {
	p.out(text)
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	close(p.done)
	for _, fn := range callbacks {
		fn()
	}
}

func (p *fakeProcess) inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// recorder collects output chunks.
type recorder struct {
	mu     sync.Mutex
	chunks []string
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 1)}
}

func (r *recorder) write(text string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, text)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

func (r *recorder) text() string {
	return strings.Join(r.all(), "")
}

// waitFor polls until the joined output contains want.
func (r *recorder) waitFor(want string, within time.Duration) bool {
	deadline := time.After(within)
	for {
		if strings.Contains(r.text(), want) {
			return true
		}
		select {
		case <-r.signal:
		case <-deadline:
			return strings.Contains(r.text(), want)
		}
	}
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	chunks []domain.Chunk
	final  chan struct{}
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{final: make(chan struct{})}
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, chunk domain.Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	if chunk.Final {
		close(b.final)
	}
	return nil
}

func (b *fakeBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Chunk, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBroadcaster) all() []domain.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Chunk(nil), b.chunks...)
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
