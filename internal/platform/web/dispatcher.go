package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/session"
)

// Event names on the wire.
const (
	EventRunCode   = "runCode"
	EventSendInput = "sendInput"
	EventOutput    = "output"
	EventSession   = "session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBuffer     = 256
	maxMessageSize = 1 << 20
)

// Envelope is the JSON frame exchanged with clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutputData is the payload of an output event.
type OutputData struct {
	Text string `json:"text"`
}

// SessionData announces a session so the client can share it with watchers.
// It is sent with state "created" before the program starts, so it precedes
// every output chunk. A second event with state "exited" follows when the
// program never ran; no terminal marker is sent then.
type SessionData struct {
	ID       string          `json:"id"`
	Language domain.Language `json:"language"`
	State    string          `json:"state"`
}

// InputData is the payload of a sendInput event.
type InputData struct {
	Text string `json:"text"`
}

// UnmarshalJSON accepts both {"text": "..."} and a bare string.
func (d *InputData) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d.Text = s
		return nil
	}
	type plain InputData
	return json.Unmarshal(b, (*plain)(d))
}

// Dispatcher upgrades connections and routes their events to the session manager.
type Dispatcher struct {
	sessions *session.Manager
	limiter  *RateLimiter
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewDispatcher returns a Dispatcher. limiter may be nil.
func NewDispatcher(sessions *session.Manager, limiter *RateLimiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins
		},
	}
}

// ServeHTTP handles GET /api/ws.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		ip:     ClientIP(r),
		conn:   conn,
		send:   make(chan Envelope, sendBuffer),
		closed: make(chan struct{}),
	}
	logger := d.logger.With("connID", c.id, "remoteAddr", c.ip)
	logger.Info("Client connected")

	go c.writePump(logger)

	defer func() {
		d.sessions.Disconnect(c.id)
		c.close()
		logger.Info("Client disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				// The frame was consumed; keep the connection.
				logger.Warn("Dropping malformed frame", "error", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Read failed", "error", err)
			}
			return
		}
		d.dispatch(c, env, logger)
	}
}

func (d *Dispatcher) dispatch(c *client, env Envelope, logger *slog.Logger) {
	switch env.Event {
	case EventRunCode:
		var req struct {
			Code     string `json:"code"`
			Language string `json:"language"`
		}
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.output("Invalid request body")
			return
		}
		if !d.limiter.Allow(c.ip) {
			c.output("Too Many Requests")
			return
		}

		announce := session.OnCreate(func(s *session.Session) {
			c.push(EventSession, SessionData{ID: s.ID, Language: s.Language, State: domain.StateCreated.String()})
		})
		s, err := d.sessions.Execute(c.id, domain.ExecutionRequest{
			Code:     req.Code,
			Language: domain.ParseLanguage(req.Language),
		}, c.output, announce)
		if err != nil {
			logger.Info("Execution not started", "error", err)
			if s != nil {
				c.push(EventSession, SessionData{ID: s.ID, Language: s.Language, State: domain.StateExited.String()})
			}
		}

	case EventSendInput:
		var in InputData
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return
		}
		d.sessions.Input(c.id, in.Text)

	default:
		logger.Debug("Ignoring unknown event", "event", env.Event)
	}
}

// client is one WebSocket connection. Only writePump writes to conn.
type client struct {
	id   string
	ip   string
	conn *websocket.Conn
	send chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) output(text string) {
	c.push(EventOutput, OutputData{Text: text})
}

// push queues an event. It blocks while the buffer is full and gives up once the connection is closed.
func (c *client) push(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- Envelope{Event: event, Data: raw}:
	case <-c.closed:
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *client) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				logger.Warn("Failed to write to websocket", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
