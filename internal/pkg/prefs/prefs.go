// Package prefs is the durable key/value store backing installer state.
//
// Values survive process and device restarts. Writes go through an Editor
// and become visible together on Apply, or not at all.
package prefs

import "errors"

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("prefs: store is closed")

	// ErrTypeMismatch is returned when a key holds a value of another type.
	ErrTypeMismatch = errors.New("prefs: value has a different type")
)

// Store is a typed, durable key/value store.
type Store interface {
	// String returns the value stored at key and whether it was present.
	String(key string) (string, bool, error)

	// Bool returns the value stored at key, or def when the key is absent.
	Bool(key string, def bool) (bool, error)

	// Edit starts a batch of writes. Nothing is visible until Apply.
	Edit() Editor

	Close() error
}

// Editor collects writes for a single atomic commit.
type Editor interface {
	PutString(key, value string) Editor
	PutBool(key string, value bool) Editor
	Remove(key string) Editor

	// Apply commits every collected write at once.
	Apply() error
}

type opKind int

const (
	opPut opKind = iota
	opRemove
)

// op is one pending write of a batch. Values are encoded by the store.
type op struct {
	kind  opKind
	key   string
	value value
}

// batch is the Editor shared by the store implementations.
type batch struct {
	ops    []op
	commit func(ops []op) error
}

func newBatch(commit func(ops []op) error) *batch {
	return &batch{commit: commit}
}

func (b *batch) PutString(key, v string) Editor {
	b.ops = append(b.ops, op{kind: opPut, key: key, value: stringValue(v)})
	return b
}

func (b *batch) PutBool(key string, v bool) Editor {
	b.ops = append(b.ops, op{kind: opPut, key: key, value: boolValue(v)})
	return b
}

func (b *batch) Remove(key string) Editor {
	b.ops = append(b.ops, op{kind: opRemove, key: key})
	return b
}

func (b *batch) Apply() error {
	ops := b.ops
	b.ops = nil
	return b.commit(ops)
}
