// Package process spawns synthesized commands as host child processes and
// exposes their standard streams.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/dontdude/codexec/internal/domain"
)

// DefaultKillGrace bounds how long output pipes may stay open after the child exits.
const DefaultKillGrace = 2 * time.Second

// Runner starts commands on the host.
type Runner struct {
	// KillGrace is passed to exec.Cmd.WaitDelay.
	KillGrace time.Duration
	Logger    *slog.Logger
}

var _ domain.ProcessStarter = (*Runner)(nil)

// NewRunner returns a Runner with the default grace period.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{KillGrace: DefaultKillGrace, Logger: logger}
}

// Start spawns cmd without waiting for it. Output is pushed to out as it is produced.
// The child is killed when ctx is cancelled.
func (r *Runner) Start(ctx context.Context, cmd domain.Command, out domain.OutputFunc) (domain.Process, error) {
	if cmd.Empty() {
		return nil, domain.ErrEmptyCommand
	}

	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	procCtx, cancel := context.WithCancel(ctx)
	c := exec.CommandContext(procCtx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	c.WaitDelay = grace
	setProcessGroup(c)

	sink := NewSink(out)
	c.Stdout = sink.Stream("stdout")
	c.Stderr = sink.Stream("stderr")

	stdin, err := c.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start: %w", err)
	}

	p := &Process{
		cmd:    c,
		input:  NewInput(stdin),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		err := c.Wait()
		logger.Debug("Process exited", "pid", c.Process.Pid, "exit", exitCode(err))
		p.finish()
	}()

	return p, nil
}

// Process is a running host child.
type Process struct {
	cmd    *exec.Cmd
	input  *Input
	cancel context.CancelFunc

	// mu guards exited and callbacks.
	mu        sync.Mutex
	exited    bool
	callbacks []func()
	done      chan struct{}
}

var _ domain.Process = (*Process)(nil)

// Write queues one line of input and returns immediately. Input is dropped
// after exit or while the child leaves too many lines unread.
func (p *Process) Write(text string) {
	p.input.Send(text + "\n")
}

// Done is closed after the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// OnExit registers fn. It runs exactly once, after termination.
func (p *Process) OnExit(fn func()) {
	p.mu.Lock()
	if !p.exited {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// Kill terminates the child's process group.
func (p *Process) Kill() {
	p.cancel()
}

// Pid returns the operating system id of the shell.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) finish() {
	p.mu.Lock()
	p.exited = true
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	p.input.Close()
	p.cancel()
	close(p.done)
	for _, fn := range callbacks {
		fn()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
