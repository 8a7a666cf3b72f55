package domain

import "context"

// Chunk is one piece of session output mirrored to watchers.
type Chunk struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	// Final marks the last chunk of a session (the terminal marker).
	Final bool `json:"final,omitempty"`
}

// Broadcaster fans session output out to read-only watchers.
// It decouples the session layer from the underlying pub/sub broker.
type Broadcaster interface {
	// Broadcast publishes a chunk. Delivery is best-effort.
	Broadcast(ctx context.Context, chunk Chunk) error

	// Subscribe streams chunks of a single session until the final chunk
	// arrives or ctx is cancelled.
	Subscribe(ctx context.Context, sessionID string) (<-chan Chunk, error)
}
