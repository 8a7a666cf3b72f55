package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/toolchain"
	"github.com/dontdude/codexec/internal/workspace"
)

const mirrorBuffer = 256

// Config carries the collaborators of a Manager. Allocator, Toolchain and
// Starter are required; Broadcaster is optional.
type Config struct {
	Allocator   *workspace.Allocator
	Toolchain   toolchain.Toolchain
	Starter     domain.ProcessStarter
	Broadcaster domain.Broadcaster
	Logger      *slog.Logger
}

// Manager multiplexes sessions for every connection on the server.
type Manager struct {
	allocator   *workspace.Allocator
	toolchain   toolchain.Toolchain
	starter     domain.ProcessStarter
	broadcaster domain.Broadcaster
	logger      *slog.Logger

	// ctx parents every child process; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]*subscription // connection id -> live input subscription
	sessions map[string]*Session      // session id -> session
}

// NewManager wires a Manager from cfg.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		allocator:   cfg.Allocator,
		toolchain:   cfg.Toolchain,
		starter:     cfg.Starter,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]*subscription),
		sessions:    make(map[string]*Session),
	}
}

// ExecuteOption customises a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	onCreate func(*Session)
}

// OnCreate registers fn to receive the session once it is registered and
// before anything is written or spawned for it, so its id can be shared
// ahead of the first output chunk. Rejected requests never call fn.
func OnCreate(fn func(*Session)) ExecuteOption {
	return func(o *executeOptions) { o.onCreate = fn }
}

// Execute starts a new session for connID. Output, including failure
// messages and the terminal marker, goes to out.
//
// A connection runs at most one program at a time: while its session is
// alive a new request is rejected with domain.ErrSessionActive.
func (m *Manager) Execute(connID string, req domain.ExecutionRequest, out domain.OutputFunc, opts ...ExecuteOption) (*Session, error) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		ID:       uuid.NewString(),
		ConnID:   connID,
		Language: req.Language,
		mgr:      m,
		out:      out,
		done:     make(chan struct{}),
	}
	s.logger = m.logger.With("sessionID", s.ID, "connID", connID, "language", req.Language)

	m.mu.Lock()
	if current, ok := m.subs[connID]; ok && !current.cancelled() {
		m.mu.Unlock()
		if out != nil {
			out(domain.ErrSessionActive.Error())
		}
		return nil, domain.ErrSessionActive
	}
	s.sub = &subscription{mgr: m, connID: connID, session: s}
	m.subs[connID] = s.sub
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.broadcaster != nil {
		s.mirror = make(chan domain.Chunk, mirrorBuffer)
		go m.relay(s.mirror)
	}

	s.logger.Info("Session created")
	if o.onCreate != nil {
		o.onCreate(s)
	}
	if err := s.start(m.ctx, req); err != nil {
		s.logger.Warn("Session failed before running", "error", err)
		return s, err
	}
	return s, nil
}

// Input forwards text to the live session of connID, if any.
func (m *Manager) Input(connID string, text string) {
	m.mu.Lock()
	sub := m.subs[connID]
	m.mu.Unlock()
	if sub == nil {
		return
	}
	sub.deliver(text)
}

// Disconnect detaches input for connID and terminates its program.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	sub := m.subs[connID]
	m.mu.Unlock()
	if sub == nil {
		return
	}

	s := sub.session
	sub.cancel()
	s.logger.Info("Owner disconnected, stopping session")
	s.Stop()
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Active returns the number of sessions that have not finished cleanup.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown kills every program and waits for their cleanup or ctx expiry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	m.logger.Info("Stopping sessions", "count", len(live))
	for _, s := range live {
		s.Stop()
	}
	m.cancel()

	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// relay publishes mirrored chunks in order until the channel is closed.
func (m *Manager) relay(chunks <-chan domain.Chunk) {
	for chunk := range chunks {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := m.broadcaster.Broadcast(ctx, chunk); err != nil {
			m.logger.Warn("Failed to broadcast output", "sessionID", chunk.SessionID, "error", err)
		}
		cancel()
	}
}

// subscription routes a connection's input events to one session.
// It is created with the session and cancelled exactly once when the session
// exits or its owner disconnects; afterwards it never delivers again, so a
// reused connection id cannot reach a dead or later process.
type subscription struct {
	mgr     *Manager
	connID  string
	session *Session
	done    atomic.Bool
}

func (sub *subscription) deliver(text string) {
	if sub.cancelled() {
		return
	}
	sub.session.Input(text)
}

func (sub *subscription) cancelled() bool {
	return sub.done.Load()
}

func (sub *subscription) cancel() {
	if sub == nil || sub.done.Swap(true) {
		return
	}
	m := sub.mgr
	m.mu.Lock()
	if m.subs[sub.connID] == sub {
		delete(m.subs, sub.connID)
	}
	m.mu.Unlock()
}
