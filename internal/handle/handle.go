// Package handle implements the VM's two-tier root set: scoped local
// handles, reset en masse on scope exit, and ref-counted-by-index
// persistent handles with a reuse free-list.
//
// Storage is an append-only slice exposed through factory functions
// rather than raw slice access, so growth never invalidates a caller's
// previously issued (storage, index) pair — only raw addresses would
// be invalidated by growth, and nothing here ever hands one out.
package handle

import "codeswitch/internal/block"

// Local is a handle into the local slot sequence. It stays valid for
// as long as the HandleScope that (transitively) created it is open.
type Local struct {
	storage *Storage
	index   int
}

// Get returns the handle's current value, re-read from storage so it
// reflects any relocation a collection has since applied.
func (h Local) Get() block.Ref { return h.storage.locals[h.index] }

// Set overwrites the slot's value.
func (h Local) Set(v block.Ref) { h.storage.locals[h.index] = v }

// Persistent is a handle into the persistent slot table. It stays
// valid until explicitly released.
type Persistent struct {
	storage *Storage
	index   int
}

// Get returns the handle's current value.
func (h Persistent) Get() block.Ref { return h.storage.persistents[h.index] }

// Set overwrites the slot's value.
func (h Persistent) Set(v block.Ref) { h.storage.persistents[h.index] = v }

// Release nulls the slot and returns its index to the free-list.
func (h Persistent) Release() { h.storage.destroyPersistent(h.index) }

// Storage is the root set: every local and persistent slot, and the
// free-list backing persistent index reuse.
type Storage struct {
	locals         []block.Ref
	canCreateLocal bool
	persistents    []block.Ref
	persistentFree []int
}

// NewStorage returns an empty root set. Local-handle creation is
// disabled until a HandleScope is opened.
func NewStorage() *Storage {
	return &Storage{}
}

// CreateLocal appends a new local handle rooting block. It panics (a
// fatal invariant violation) unless a HandleScope is currently active.
func (s *Storage) CreateLocal(b block.Ref) Local {
	if !s.canCreateLocal {
		panic("handle: CreateLocal called with no active HandleScope")
	}
	s.locals = append(s.locals, b)
	return Local{storage: s, index: len(s.locals) - 1}
}

// CreatePersistent creates a persistent handle, reusing a released
// index if one is available.
func (s *Storage) CreatePersistent(b block.Ref) Persistent {
	if n := len(s.persistentFree); n > 0 {
		idx := s.persistentFree[n-1]
		s.persistentFree = s.persistentFree[:n-1]
		s.persistents[idx] = b
		return Persistent{storage: s, index: idx}
	}
	s.persistents = append(s.persistents, b)
	return Persistent{storage: s, index: len(s.persistents) - 1}
}

func (s *Storage) destroyPersistent(index int) {
	if s.persistents[index] == block.Null {
		return // already released; double-release is harmless, not fatal
	}
	s.persistents[index] = block.Null
	s.persistentFree = append(s.persistentFree, index)
}

// NonNullCount returns the number of currently live (non-null) local
// and persistent slots combined. Used by tests to check root-set
// completeness across scope enter/exit.
func (s *Storage) NonNullCount() int {
	n := 0
	for _, r := range s.locals {
		if !r.IsNull() {
			n++
		}
	}
	for _, r := range s.persistents {
		if !r.IsNull() {
			n++
		}
	}
	return n
}

// Each calls fn once for every non-null slot in locals-then-persistents
// order, handing back a mutable view so the collector's fix-up phase
// can rewrite roots in place. This is root enumeration, phase 1 of
// collection.
func (s *Storage) Each(fn func(get func() block.Ref, set func(block.Ref))) {
	for i := range s.locals {
		i := i
		if s.locals[i].IsNull() {
			continue
		}
		fn(func() block.Ref { return s.locals[i] }, func(v block.Ref) { s.locals[i] = v })
	}
	for i := range s.persistents {
		i := i
		if s.persistents[i].IsNull() {
			continue
		}
		fn(func() block.Ref { return s.persistents[i] }, func(v block.Ref) { s.persistents[i] = v })
	}
}

// Scope is a HandleScope: a bracket that reclaims every local handle
// created inside it when it closes, except for one value explicitly
// escaped to the enclosing scope.
type Scope struct {
	storage       *Storage
	savedCanLocal bool
	truncateLen   int // length to restore on Close; includes the escape slot
	escapeIndex   int
}

// OpenScope enables local-handle creation and reserves one escape
// slot — an extra local, initialized to null, whose purpose is to
// outlive this scope. The truncation length recorded
// for Close is the length *after* the escape slot is appended, so
// Close's truncation keeps that one slot and discards everything
// created after it.
func OpenScope(s *Storage) *Scope {
	saved := s.canCreateLocal
	s.canCreateLocal = true
	s.locals = append(s.locals, block.Null) // escape slot
	return &Scope{
		storage:       s,
		savedCanLocal: saved,
		truncateLen:   len(s.locals),
		escapeIndex:   len(s.locals) - 1,
	}
}

// Escape writes h's value into the scope's reserved escape slot,
// handing one reference back to the enclosing scope, and returns a
// Local rooted in that slot. The slot outlives Close because the
// truncation length recorded at Open already includes it.
func (sc *Scope) Escape(h Local) Local {
	sc.storage.locals[sc.escapeIndex] = h.Get()
	return Local{storage: sc.storage, index: sc.escapeIndex}
}

// Close truncates the local sequence back to the length recorded at
// Open (which includes the escape slot) and restores the prior
// local-handle-creation gate.
func (sc *Scope) Close() {
	s := sc.storage
	s.locals = s.locals[:sc.truncateLen]
	s.canCreateLocal = sc.savedCanLocal
}
