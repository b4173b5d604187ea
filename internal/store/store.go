// Package store is the terminal's durable key/value slot. It holds the few
// values that must survive a page reload or agent restart: the terminal id,
// the pending pairing code and the terminal-app marker.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a string key/value store whose batches commit atomically.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Commit(ctx context.Context, b *Batch) error
	Close() error
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   string
	value string
}

// Batch collects writes that must land together or not at all.
type Batch struct {
	ops []op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value string) *Batch {
	b.ops = append(b.ops, op{kind: opPut, key: key, value: value})
	return b
}

func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, op{kind: opDelete, key: key})
	return b
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// Set writes a single key.
func Set(ctx context.Context, s Store, key, value string) error {
	return s.Commit(ctx, NewBatch().Put(key, value))
}

// Delete removes a single key. Deleting a missing key is not an error.
func Delete(ctx context.Context, s Store, key string) error {
	return s.Commit(ctx, NewBatch().Delete(key))
}
