package domain

import "errors"

// ExecutionRequest is an inbound submission. It only lives for session setup.
type ExecutionRequest struct {
	Code     string   `json:"code"`
	Language Language `json:"language"`
}

// State is the lifecycle position of a session. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// TerminalMarker is the last chunk a session emits after its process is gone.
const TerminalMarker = "\n[Process Finished]"

var (
	// ErrUnsupportedLanguage is returned for a language tag with no toolchain.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrEmptyCommand is returned when asked to start a command with no arguments.
	ErrEmptyCommand = errors.New("empty command")
	// ErrSessionActive rejects a submission while the connection still has a running program.
	ErrSessionActive = errors.New("a program is already running")
	// ErrWorkspaceWrite means the source file could not be put on disk.
	ErrWorkspaceWrite = errors.New("workspace write failed")
)
