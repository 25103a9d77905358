// Package worker fans edit requests out to a bounded pool while keeping
// sessions fair: each session has its own FIFO queue and sessions take
// turns in LRU order, so one chatty session cannot starve the rest.
package worker

import (
	"context"

	"coscene/internal/editor"
	"coscene/internal/events"
)

type JobType int

const (
	// Edit runs one edit request end to end.
	Edit JobType = iota
	// Stop retires the receiving worker.
	Stop
)

// Outcome is delivered on Job.Done after the request reaches a terminal
// phase.
type Outcome struct {
	Result *editor.Result
	Err    error
}

// Job is one unit of work for a pool worker. Stream is closed by the
// runner, so a subscriber draining it never blocks on the pool.
type Job struct {
	Type   JobType
	Ctx    context.Context
	Req    editor.Request
	Stream *events.Stream
	Done   chan Outcome
}

// Executor runs one edit request. *editor.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, req editor.Request, stream *events.Stream) (*editor.Result, error)
}
