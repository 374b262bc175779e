// Package bufpool pools the scratch buffers used to encode outbound Keeper
// frames and admin INFO replies.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxRetained is the largest capacity returned to the pool. Bigger buffers
// are left to the garbage collector so one oversized frame does not pin
// memory for the life of the process.
const MaxRetained = 64 << 10

var pool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	buf := pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns buf to the pool. The caller must not use buf afterwards.
func Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > MaxRetained {
		return
	}
	buf.Reset()
	pool.Put(buf)
}
