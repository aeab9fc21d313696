package mocks

import (
	"context"
	"sync"

	"replog/internal/future"
	"replog/internal/replog"
)

type pendingAppend struct {
	ctx     context.Context
	req     replog.AppendEntriesRequest
	promise *future.Promise[replog.AppendEntriesResult]
}

// DelayedFollower wraps a follower and holds every append-entries request until the test releases it. It lets tests
// control the interleaving between a leader and its followers.
type DelayedFollower struct {
	mu       sync.Mutex
	inner    replog.AbstractFollower
	pending  []pendingAppend
	requests []replog.AppendEntriesRequest
}

var _ replog.AbstractFollower = (*DelayedFollower)(nil)

func NewDelayedFollower(inner replog.AbstractFollower) *DelayedFollower {
	return &DelayedFollower{inner: inner}
}

func (f *DelayedFollower) ParticipantID() replog.ParticipantID {
	return f.inner.ParticipantID()
}

func (f *DelayedFollower) AppendEntries(ctx context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult] {
	p := future.NewPromise[replog.AppendEntriesResult]()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, pendingAppend{ctx: ctx, req: req, promise: p})
	f.requests = append(f.requests, req)
	return p.Future()
}

// HasPendingAppendEntries reports whether requests are waiting to be delivered.
func (f *DelayedFollower) HasPendingAppendEntries() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) > 0
}

// Requests returns every request received so far, delivered or not.
func (f *DelayedFollower) Requests() []replog.AppendEntriesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]replog.AppendEntriesRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *DelayedFollower) take() []pendingAppend {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.pending
	f.pending = nil
	return pending
}

// RunAsyncAppendEntries delivers the requests queued so far to the wrapped follower. Requests the leader sends in
// reaction stay queued.
func (f *DelayedFollower) RunAsyncAppendEntries() {
	for _, p := range f.take() {
		f.inner.AppendEntries(p.ctx, p.req).OnComplete(func(res replog.AppendEntriesResult, err error) {
			p.promise.Complete(res, err)
		})
	}
}

// FailAsyncAppendEntries fails the queued requests with err without delivering them, as a broken transport would.
func (f *DelayedFollower) FailAsyncAppendEntries(err error) {
	for _, p := range f.take() {
		p.promise.Reject(err)
	}
}

// RunAllAsyncAppendEntries delivers requests to every follower until none has anything queued.
func RunAllAsyncAppendEntries(followers ...*DelayedFollower) {
	for {
		progress := false
		for _, f := range followers {
			if f.HasPendingAppendEntries() {
				f.RunAsyncAppendEntries()
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}
