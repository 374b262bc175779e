package keeper

import (
	"sync"
	"sync/atomic"
)

// observers is an ordered subscription list. Callbacks run on the
// notifying goroutine in registration order. When active is set it counts
// the callbacks currently running.
type observers[T any] struct {
	mu     sync.RWMutex
	next   int
	subs   []subscription[T]
	active *atomic.Int32
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a func that removes it.
func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	o.next++
	id := o.next
	o.subs = append(o.subs, subscription[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.RLock()
	subs := o.subs
	o.mu.RUnlock()

	if o.active != nil {
		o.active.Add(1)
		defer o.active.Add(-1)
	}
	for _, s := range subs {
		s.fn(v)
	}
}
