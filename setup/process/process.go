// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"
)

// ProcessContext is the process-scoped lifecycle handle passed to every
// component at construction: a shared context cancelled on shutdown and a
// waitgroup tracking background components.
type ProcessContext struct {
	mu       sync.Mutex
	ctx      context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewProcessContext creates a live process context.
func NewProcessContext() *ProcessContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessContext{ctx: ctx, shutdown: cancel}
}

// Context returns the process context, cancelled when shutdown begins.
func (p *ProcessContext) Context() context.Context {
	return p.ctx
}

// Quit begins shutdown: the context is cancelled and background components
// are expected to drain and call ComponentFinished.
func (p *ProcessContext) Quit() {
	p.shutdown()
}

// ComponentStarted registers a background component.
func (p *ProcessContext) ComponentStarted() {
	p.wg.Add(1)
}

// ComponentFinished marks a background component as drained.
func (p *ProcessContext) ComponentFinished() {
	p.wg.Done()
}

// WaitForShutdown blocks until Quit has been called and every registered
// component has finished.
func (p *ProcessContext) WaitForShutdown() {
	<-p.ctx.Done()
	p.wg.Wait()
}
