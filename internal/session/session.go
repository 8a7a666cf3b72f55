// Package session owns the lifecycle of one submitted program: workspace,
// child process, input routing, output streaming and cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/workspace"
)

// User facing messages for failures that happen before a process exists.
const (
	msgWorkspaceWrite = "Internal Error: File System Locked"
	msgStartFailed    = "Internal Error: Failed to start process"
)

// Session is one execution on behalf of one connection.
type Session struct {
	ID       string
	ConnID   string
	Language domain.Language

	mgr    *Manager
	out    domain.OutputFunc
	logger *slog.Logger

	state atomic.Int32
	ws    *workspace.Workspace
	sub   *subscription

	// mu guards proc and stopped during setup.
	mu      sync.Mutex
	proc    domain.Process
	stopped bool

	mirror   chan domain.Chunk
	exitOnce sync.Once
	done     chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() domain.State {
	return domain.State(s.state.Load())
}

// Workspace returns the session's workspace, or nil before allocation.
func (s *Session) Workspace() *workspace.Workspace {
	return s.ws
}

// Done is closed once the session reached Exited and cleanup completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Input forwards one line to the program. Dropped unless the session is running.
func (s *Session) Input(text string) {
	if s.State() != domain.StateRunning {
		return
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Write(text)
	}
}

// Stop terminates the program. Cleanup runs when the process reports its exit.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// start moves the session from Created to Running, or straight to Exited on failure.
func (s *Session) start(ctx context.Context, req domain.ExecutionRequest) error {
	ws, err := s.mgr.allocator.Allocate(req)
	if err != nil {
		s.fail(msgWorkspaceWrite)
		return fmt.Errorf("allocate workspace: %w", err)
	}
	s.ws = ws

	cmd := s.mgr.toolchain.Synthesize(req.Language, ws)
	if cmd.Empty() {
		s.fail(fmt.Sprintf("Unsupported language: %s", req.Language))
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, req.Language)
	}

	if err := ws.Write(req.Code); err != nil {
		s.fail(msgWorkspaceWrite)
		return err
	}

	proc, err := s.mgr.starter.Start(ctx, cmd, s.emit)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyCommand) {
			s.fail(fmt.Sprintf("Unsupported language: %s", req.Language))
		} else {
			s.fail(msgStartFailed)
		}
		return fmt.Errorf("start process: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	stopped := s.stopped
	s.mu.Unlock()

	s.state.Store(int32(domain.StateRunning))
	s.logger.Info("Session running", "workspace", ws.SourcePath)

	proc.OnExit(s.exit)
	if stopped {
		proc.Kill()
	}
	return nil
}

// emit forwards a chunk to the owner and mirrors it to watchers.
func (s *Session) emit(text string) {
	s.send(domain.Chunk{SessionID: s.ID, Text: text})
}

func (s *Session) send(chunk domain.Chunk) {
	if s.out != nil {
		s.out(chunk.Text)
	}
	if s.mirror == nil {
		return
	}
	select {
	case s.mirror <- chunk:
	default:
		s.logger.Warn("Broadcast buffer full, dropping chunk")
	}
}

// fail reports a pre-process failure once and ends the session without a marker.
func (s *Session) fail(msg string) {
	s.end(msg)
}

// exit is the process exit callback: Running -> Exited.
func (s *Session) exit() {
	s.end(domain.TerminalMarker)
}

// end runs the Exited transition exactly once. last is the final chunk sent to the owner.
func (s *Session) end(last string) {
	s.exitOnce.Do(func() {
		s.state.Store(int32(domain.StateExited))
		s.sub.cancel()
		s.send(domain.Chunk{SessionID: s.ID, Text: last, Final: true})

		if err := s.mgr.allocator.Release(s.ws); err != nil {
			s.logger.Error("Failed to release workspace", "error", err)
		}
		if s.mirror != nil {
			close(s.mirror)
		}
		s.mgr.forget(s)
		s.logger.Info("Session exited")
		close(s.done)
	})
}
