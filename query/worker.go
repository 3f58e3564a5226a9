// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package query

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/setup/process"
)

// Worker runs queries off the caller's goroutine so a slow scan (message
// search, a cold room list) never stalls the UI thread. Results come back
// on a per-job channel.
type Worker struct {
	queries *Queries
	jobs    chan func()
}

// NewWorker starts n goroutines draining the job queue. They stop when the
// process context shuts down.
func NewWorker(processCtx *process.ProcessContext, queries *Queries, n int) *Worker {
	if n < 1 {
		n = 1
	}
	w := &Worker{
		queries: queries,
		jobs:    make(chan func(), 64),
	}
	for i := 0; i < n; i++ {
		processCtx.ComponentStarted()
		go w.run(processCtx)
	}
	return w
}

func (w *Worker) run(processCtx *process.ProcessContext) {
	defer processCtx.ComponentFinished()
	for {
		select {
		case <-processCtx.Context().Done():
			return
		case job := <-w.jobs:
			job()
		}
	}
}

// Result carries one async query outcome.
type Result[T any] struct {
	Value T
	Err   error
}

// Submit schedules fn on the worker pool and returns a channel that will
// receive exactly one result. The channel is buffered: the result is never
// lost if the caller reads late.
func Submit[T any](ctx context.Context, w *Worker, fn func(*Queries) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	job := func() {
		if err := ctx.Err(); err != nil {
			ch <- Result[T]{Err: err}
			return
		}
		v, err := fn(w.queries)
		ch <- Result[T]{Value: v, Err: err}
	}
	select {
	case w.jobs <- job:
	default:
		// Queue full: run a slow path goroutine rather than drop or block
		// the caller.
		logrus.Debug("query worker queue full, spilling to goroutine")
		go job()
	}
	return ch
}

// SubmitWait schedules fn and blocks until it finishes or ctx is done.
func SubmitWait[T any](ctx context.Context, w *Worker, fn func(*Queries) (T, error)) (T, error) {
	select {
	case res := <-Submit(ctx, w, fn):
		return res.Value, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
