// Package engine abstracts the external agent runtime as a cancellable,
// process-like collaborator.
package engine

import (
	"context"
	"time"
)

// Invocation is everything an engine needs for one execution attempt.
type Invocation struct {
	TaskID       string
	Prompt       string
	AllowedTools []string
	// WorkDir is created by the caller and owned by this invocation.
	WorkDir  string
	MaxTurns int
}

// Result is what an engine reports once its process has exited.
type Result struct {
	// Output is the final text the agent produced, if any.
	Output string
	// Err is set when the engine itself reported failure or exited non-zero.
	Err      error
	ExitCode int
	Turns    int
	// TurnLimitReached marks an agent that stopped because it spent its
	// turn budget.
	TurnLimitReached bool
	Stderr           string
	Duration         time.Duration
}

// Process is one running engine invocation.
type Process interface {
	// Done is closed once the process has exited and Result is final.
	Done() <-chan struct{}
	Result() Result
	// Interrupt asks the process to stop and flush its output.
	Interrupt() error
	// Kill stops the process immediately.
	Kill() error
}

type Engine interface {
	Name() string
	// Start launches the invocation and returns without waiting for it.
	// Cancelling ctx kills the process.
	Start(ctx context.Context, inv Invocation) (Process, error)
}
