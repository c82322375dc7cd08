// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync/atomic"
)

// cancelFlagsKey is the context key under which a *CancelFlags is stored.
type cancelFlagsKey struct{}

// CancelFlags models the three escalating levels of operator-requested
// shutdown described in §9's Design Notes: a polite request to stop after
// in-flight work finishes, a request to stop as soon as possible (abandoning
// partially-copied partitions for --resume to pick up later), and a request
// to tear the whole run down immediately. They replace the original tool's
// global mutable booleans with a value threaded through context so that
// every worker goroutine observes the same flags without a package-level
// variable.
type CancelFlags struct {
	stop     atomic.Bool
	stopFast atomic.Bool
	quit     atomic.Bool
}

// NewCancelFlags returns a fresh, unset set of flags.
func NewCancelFlags() *CancelFlags {
	return &CancelFlags{}
}

// WithCancelFlags returns a context carrying flags, retrievable by any
// worker via CancelFlagsFrom.
func WithCancelFlags(ctx context.Context, flags *CancelFlags) context.Context {
	return context.WithValue(ctx, cancelFlagsKey{}, flags)
}

// CancelFlagsFrom retrieves the flags stored by WithCancelFlags, or a fresh
// unset set if ctx carries none — so code written against CancelFlagsFrom
// never has to nil-check.
func CancelFlagsFrom(ctx context.Context) *CancelFlags {
	if flags, ok := ctx.Value(cancelFlagsKey{}).(*CancelFlags); ok {
		return flags
	}
	return NewCancelFlags()
}

// AskToStop requests that every worker finish its current unit of work and
// then exit, without picking up new work.
func (f *CancelFlags) AskToStop() { f.stop.Store(true) }

// AskedToStop reports whether AskToStop has been called.
func (f *CancelFlags) AskedToStop() bool { return f.stop.Load() }

// AskToStopFast requests that every worker abandon its current unit of
// work (a partially-copied partition is left for --resume to redo) and
// exit as soon as possible.
func (f *CancelFlags) AskToStopFast() {
	f.stop.Store(true)
	f.stopFast.Store(true)
}

// AskedToStopFast reports whether AskToStopFast has been called.
func (f *CancelFlags) AskedToStopFast() bool { return f.stopFast.Load() }

// AskToQuit requests immediate, unconditional termination: even catalog
// store writes in flight should be abandoned.
func (f *CancelFlags) AskToQuit() {
	f.stop.Store(true)
	f.stopFast.Store(true)
	f.quit.Store(true)
}

// AskedToQuit reports whether AskToQuit has been called.
func (f *CancelFlags) AskedToQuit() bool { return f.quit.Load() }
