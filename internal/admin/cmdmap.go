package admin

import (
	"context"

	"github.com/tidwall/redcon"
)

// CommandFunc runs one command. A returned error is written to the client
// as an ERR reply; on success the func has written its own reply.
type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte) error

type cmdEntry struct {
	name  string
	arity int // minimum argument count, excluding the name
	fn    CommandFunc
}

const cmdBuckets = 32

// cmdMap is an open-addressing command table keyed by uppercase name.
type cmdMap struct {
	buckets [cmdBuckets]cmdEntry
	names   []string
}

func newCmdMap(h *Handler) *cmdMap {
	cm := &cmdMap{}

	cm.register("PING", 0, h.cmdPing)
	cm.register("QUIT", 0, h.cmdQuit)
	cm.register("COMMAND", 0, h.cmdCommand)
	cm.register("INFO", 0, h.cmdInfo)

	cm.register("PCD.STATUS", 0, h.cmdPcdStatus)
	cm.register("PCD.NOTES", 0, h.cmdPcdNotes)
	cm.register("PCD.NULLIFIERS", 0, h.cmdPcdNullifiers)
	cm.register("PCD.VERIFY", 0, h.cmdPcdVerify)
	cm.register("PCD.EXPORT", 0, h.cmdPcdExport)

	cm.register("KEEPER.STATUS", 0, h.cmdKeeperStatus)
	cm.register("KEEPER.EVENTS", 0, h.cmdKeeperEvents)
	cm.register("KEEPER.SYNC", 0, h.cmdKeeperSync)

	return cm
}

func (cm *cmdMap) register(name string, arity int, fn CommandFunc) {
	idx := nameHash([]byte(name)) & (cmdBuckets - 1)
	for i := uint32(0); i < cmdBuckets; i++ {
		pos := (idx + i) & (cmdBuckets - 1)
		if cm.buckets[pos].name == "" {
			cm.buckets[pos] = cmdEntry{name: name, arity: arity, fn: fn}
			cm.names = append(cm.names, name)
			return
		}
	}
	panic("admin: command table full")
}

// lookup finds a command by name, ignoring ASCII case.
func (cm *cmdMap) lookup(name []byte) *cmdEntry {
	idx := nameHash(name) & (cmdBuckets - 1)
	for i := uint32(0); i < cmdBuckets; i++ {
		pos := (idx + i) & (cmdBuckets - 1)
		e := &cm.buckets[pos]
		if e.name == "" {
			return nil
		}
		if nameEqual(name, e.name) {
			return e
		}
	}
	return nil
}

func upperByte(c byte) byte {
	if 'a' <= c && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

// foldUpper uppercases the ASCII letters of b in place.
func foldUpper(b []byte) {
	for i, c := range b {
		b[i] = upperByte(c)
	}
}

// nameHash is FNV-1a over the case-folded name, so a lookup needs no copy.
func nameHash(b []byte) uint32 {
	h := uint32(2166136261)
	for _, c := range b {
		h = (h ^ uint32(upperByte(c))) * 16777619
	}
	return h
}

func nameEqual(a []byte, upper string) bool {
	if len(a) != len(upper) {
		return false
	}
	for i, c := range a {
		if upperByte(c) != upper[i] {
			return false
		}
	}
	return true
}
