// Package correlate matches asynchronous responses to outstanding requests
// over a channel that has no built-in correlation.
//
// Every request gets a locally generated, monotonically increasing id and its
// own deadline. A response is delivered to at most one waiter; responses for
// unknown, expired or already-resolved ids are dropped.
package correlate

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is the default error delivered when an entry's deadline passes.
var ErrTimeout = errors.New("request timed out")

// Result is what a waiter receives.
type Result[T any] struct {
	Value T
	Err   error
}

type entry[T any] struct {
	ch       chan Result[T]
	timer    *time.Timer
	deadline time.Time
}

// Table maps request ids to pending completion handles.
type Table[T any] struct {
	prefix     string
	timeoutErr error

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[string]*entry[T]
}

// New creates a table whose ids are prefix followed by a counter.
// timeoutErr is delivered on expiry; nil means ErrTimeout.
func New[T any](prefix string, timeoutErr error) *Table[T] {
	if timeoutErr == nil {
		timeoutErr = ErrTimeout
	}
	return &Table[T]{
		prefix:     prefix,
		timeoutErr: timeoutErr,
		pending:    make(map[string]*entry[T]),
	}
}

// NextID returns the next request id. Ids are never reused by a table.
func (t *Table[T]) NextID() string {
	return t.prefix + strconv.FormatUint(t.seq.Add(1), 10)
}

// Register adds a pending entry that expires after timeout.
// A non-positive timeout never expires on its own.
func (t *Table[T]) Register(id string, timeout time.Duration) *Pending[T] {
	e := &entry[T]{ch: make(chan Result[T], 1)}

	t.mu.Lock()
	if old, ok := t.pending[id]; ok {
		// Duplicate id: the older waiter loses.
		t.finishLocked(id, old, Result[T]{Err: t.timeoutErr})
	}
	t.pending[id] = e
	if timeout > 0 {
		e.deadline = time.Now().Add(timeout)
		e.timer = time.AfterFunc(timeout, func() {
			t.Reject(id, t.timeoutErr)
		})
	}
	t.mu.Unlock()

	return &Pending[T]{ID: id, ch: e.ch, table: t}
}

// Resolve completes id with v. Returns false if id is not pending.
func (t *Table[T]) Resolve(id string, v T) bool {
	return t.complete(id, Result[T]{Value: v})
}

// Reject completes id with err. Returns false if id is not pending.
func (t *Table[T]) Reject(id string, err error) bool {
	return t.complete(id, Result[T]{Err: err})
}

// RejectAll completes every pending entry with err and returns how many
// were rejected.
func (t *Table[T]) RejectAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.pending {
		t.finishLocked(id, e, Result[T]{Err: err})
		n++
	}
	return n
}

// Cancel removes id without delivering anything. Returns false if id was
// not pending.
func (t *Table[T]) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, id)
	return true
}

// Has reports whether id is pending.
func (t *Table[T]) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of pending entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table[T]) complete(id string, res Result[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[id]
	if !ok {
		return false
	}
	t.finishLocked(id, e, res)
	return true
}

func (t *Table[T]) finishLocked(id string, e *entry[T], res Result[T]) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, id)
	e.ch <- res
}

// Pending is the caller's handle on one outstanding request.
type Pending[T any] struct {
	ID    string
	ch    chan Result[T]
	table *Table[T]
}

// Wait blocks until the entry is resolved, rejected, expires, or ctx is done.
// On ctx cancellation the entry is removed from the table.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case res := <-p.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		p.table.Cancel(p.ID)
		// A result may have raced in before the cancel.
		select {
		case res := <-p.ch:
			return res.Value, res.Err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel that receives exactly one result.
func (p *Pending[T]) Done() <-chan Result[T] {
	return p.ch
}
