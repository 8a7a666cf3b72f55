package domain

import "context"

// Command is a structured process invocation.
// Args[0] is the executable; an empty Args means there is nothing to run.
type Command struct {
	Args []string
	// Dir is the working directory of the child. Empty means the server's own.
	Dir string
}

// Empty reports whether the command has nothing to execute.
func (c Command) Empty() bool {
	return len(c.Args) == 0
}

// OutputFunc receives raw chunks of merged stdout/stderr text.
// Implementations are called from a single goroutine at a time.
type OutputFunc func(text string)

// Process is a handle to a running child program.
type Process interface {
	// Write appends text plus a trailing newline to the child's stdin.
	// It is a no-op once the child has exited.
	Write(text string)

	// Done is closed once the child has terminated and its output is drained.
	Done() <-chan struct{}

	// OnExit registers fn to run exactly once after termination.
	// Registering after termination runs fn immediately.
	OnExit(fn func())

	// Kill terminates the child and everything it spawned.
	Kill()
}

// ProcessStarter defines the contract for spawning a command as an observable child process.
// Implementations decide where the child runs (host, container).
type ProcessStarter interface {
	// Start spawns cmd and streams its output to out.
	// It returns ErrEmptyCommand without spawning anything if cmd is empty.
	Start(ctx context.Context, cmd Command, out OutputFunc) (Process, error)
}
