package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/session"
)

// NewHandler builds the HTTP surface of the server. broadcaster may be nil,
// in which case /api/watch is not registered.
func NewHandler(sessions *session.Manager, limiter *RateLimiter, broadcaster domain.Broadcaster, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/ws", NewDispatcher(sessions, limiter, logger))
	mux.HandleFunc("GET /healthz", handleHealth(sessions))
	if broadcaster != nil {
		mux.HandleFunc("GET /api/watch", handleWatch(broadcaster, logger))
	}

	return enableCORS(mux)
}

func handleHealth(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": sessions.Active(),
		})
	}
}

var watchUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWatch streams another session's output, read-only, until it finishes.
func handleWatch(b domain.Broadcaster, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}

		conn, err := watchUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ctx := r.Context()
		chunks, err := b.Subscribe(ctx, sessionID)
		if err != nil {
			logger.Error("Failed to subscribe to session", "sessionID", sessionID, "error", err)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(writeWait))
			return
		}

		// Drain client frames so a close from the watcher is noticed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		logger.Info("Watcher attached", "sessionID", sessionID)
		for {
			select {
			case <-gone:
				return
			case chunk, ok := <-chunks:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
				data, _ := json.Marshal(OutputData{Text: chunk.Text})
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(Envelope{Event: EventOutput, Data: data}); err != nil {
					return
				}
			}
		}
	}
}

// enableCORS adds headers to allow requests from the browser frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
