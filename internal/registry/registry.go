// Package registry implements the process registry: a PID-indexed hash
// table of records plus a doubly-linked multilist bucketed by OOM
// adjustment. It is the arena-of-records-with-indices design called for in
// §9 of the specification — the watchdog thread scans buckets under a
// shared lock without ever following a raw pointer that the reactor thread
// might concurrently free.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
)

const (
	// OOMMin and OOMMax bound the OOM-adjustment range.
	OOMMin = -1000
	OOMMax = 1000

	numBuckets = OOMMax - OOMMin + 1 // 2001
	hashSize   = 1024
	hashMask   = hashSize - 1

	nilIdx int32 = -1
)

var (
	// ErrNotOwner is returned when a client that does not own a record
	// attempts to mutate or remove it.
	ErrNotOwner = errors.New("registry: not the owning registrant")
	// ErrNotFound is returned when an operation names a PID with no record.
	ErrNotFound = errors.New("registry: no record for pid")
	// ErrThreadLeaderMismatch is returned by Register when the caller
	// asserts a PID that is not its own thread-group leader.
	ErrThreadLeaderMismatch = errors.New("registry: pid is not a thread-group leader")
)

// ProcessType mirrors the optional proc_type field carried by PROCPRIO /
// PROCS_PRIO packets (§6); zero value means "unspecified," kept for
// backward compatibility with callers that omit it.
type ProcessType int32

const (
	ProcessTypeUnspecified ProcessType = 0
	ProcessTypeApp         ProcessType = 1
	ProcessTypeServiceB    ProcessType = 2
	ProcessTypeServiceA    ProcessType = 3
	ProcessTypeNative      ProcessType = 4
)

type record struct {
	inUse      bool
	pid        int32
	uid        int32
	adjustment int32
	procType   ProcessType
	procFD     int32
	registrant int32
	valid      atomic.Bool

	prev, next int32 // adjustment-bucket links
	hashNext   int32 // PID-hash chain link
}

type bucketHead struct {
	head, tail int32
}

// RecordView is an immutable snapshot of a record, safe to read after the
// registry lock has been released.
type RecordView struct {
	PID        int32
	UID        int32
	Adjustment int32
	ProcType   ProcessType
	ProcFD     int32
	Registrant int32
	Valid      bool
	index      int32
}

// Registry is the PID hash + adjustment multilist. All mutating methods
// must be called from a single goroutine (the reactor thread, per §5);
// Invalidate is the sole method meant to be called from another goroutine
// (the watchdog) and takes only the read lock.
type Registry struct {
	mu        sync.RWMutex
	arena     []record
	freeSlots []int32
	buckets   [numBuckets]bucketHead
	hashTable [hashSize]int32
	size      int
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.buckets {
		r.buckets[i] = bucketHead{head: nilIdx, tail: nilIdx}
	}
	for i := range r.hashTable {
		r.hashTable[i] = nilIdx
	}
	return r
}

func adjIndex(adj int32) int32 { return adj - OOMMin }

func hashPID(pid int32) int32 {
	p := uint32(pid)
	return int32((p>>8 ^ p) & hashMask)
}

// allocSlot returns an arena index for a new record, growing the arena if
// the free list is empty. Growing the arena allocates; steady state does
// not, matching the "no allocation once warm" guarantee the reactor wants
// on the kill path.
func (r *Registry) allocSlot() int32 {
	if n := len(r.freeSlots); n > 0 {
		idx := r.freeSlots[n-1]
		r.freeSlots = r.freeSlots[:n-1]
		return idx
	}
	r.arena = append(r.arena, record{})
	return int32(len(r.arena) - 1)
}

func (r *Registry) freeSlot(idx int32) {
	r.arena[idx] = record{}
	r.freeSlots = append(r.freeSlots, idx)
}

// findLocked walks the hash chain for pid. Caller holds at least the read
// lock.
func (r *Registry) findLocked(pid int32) int32 {
	idx := r.hashTable[hashPID(pid)]
	for idx != nilIdx {
		if r.arena[idx].pid == pid && r.arena[idx].inUse {
			return idx
		}
		idx = r.arena[idx].hashNext
	}
	return nilIdx
}

func (r *Registry) hashInsertLocked(idx int32) {
	h := hashPID(r.arena[idx].pid)
	r.arena[idx].hashNext = r.hashTable[h]
	r.hashTable[h] = idx
}

func (r *Registry) hashRemoveLocked(idx int32) {
	pid := r.arena[idx].pid
	h := hashPID(pid)
	cur := r.hashTable[h]
	var prev int32 = nilIdx
	for cur != nilIdx {
		if cur == idx {
			if prev == nilIdx {
				r.hashTable[h] = r.arena[cur].hashNext
			} else {
				r.arena[prev].hashNext = r.arena[cur].hashNext
			}
			r.arena[idx].hashNext = nilIdx
			return
		}
		prev = cur
		cur = r.arena[cur].hashNext
	}
}

func (r *Registry) bucketInsertLocked(idx int32) {
	bi := adjIndex(r.arena[idx].adjustment)
	b := &r.buckets[bi]
	r.arena[idx].next = b.head
	r.arena[idx].prev = nilIdx
	if b.head != nilIdx {
		r.arena[b.head].prev = idx
	}
	b.head = idx
	if b.tail == nilIdx {
		b.tail = idx
	}
}

func (r *Registry) bucketRemoveLocked(idx int32) {
	bi := adjIndex(r.arena[idx].adjustment)
	b := &r.buckets[bi]
	rec := &r.arena[idx]
	if rec.prev != nilIdx {
		r.arena[rec.prev].next = rec.next
	} else {
		b.head = rec.next
	}
	if rec.next != nilIdx {
		r.arena[rec.next].prev = rec.prev
	} else {
		b.tail = rec.prev
	}
	rec.prev, rec.next = nilIdx, nilIdx
}

func (r *Registry) viewLocked(idx int32) RecordView {
	rec := &r.arena[idx]
	return RecordView{
		PID:        rec.pid,
		UID:        rec.uid,
		Adjustment: rec.adjustment,
		ProcType:   rec.procType,
		ProcFD:     rec.procFD,
		Registrant: rec.registrant,
		Valid:      rec.valid.Load(),
		index:      idx,
	}
}

// Register creates or updates the record for pid. If a record already
// exists, registrant must either own it or find it unclaimed
// (registrant == 0); otherwise ErrNotOwner is returned and the record is
// left unchanged, per §3's ownership rule. procFD may be -1 when
// process-FDs are unsupported; it is only set on first creation, matching
// §4.B ("on first registration obtains a process-FD").
func (r *Registry) Register(pid, uid, adj int32, procType ProcessType, registrant int32, procFD int32) (created bool, err error) {
	if adj < OOMMin || adj > OOMMax {
		return false, errors.New("registry: adjustment out of range")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.findLocked(pid); idx != nilIdx {
		rec := &r.arena[idx]
		if rec.registrant != 0 && rec.registrant != registrant {
			return false, ErrNotOwner
		}
		if rec.registrant == 0 {
			rec.registrant = registrant
		}
		rec.uid = uid
		rec.procType = procType
		if rec.adjustment != adj {
			r.bucketRemoveLocked(idx)
			rec.adjustment = adj
			r.bucketInsertLocked(idx)
		}
		rec.valid.Store(true)
		return false, nil
	}

	idx := r.allocSlot()
	rec := &r.arena[idx]
	*rec = record{
		inUse:      true,
		pid:        pid,
		uid:        uid,
		adjustment: adj,
		procType:   procType,
		procFD:     procFD,
		registrant: registrant,
		prev:       nilIdx,
		next:       nilIdx,
		hashNext:   nilIdx,
	}
	rec.valid.Store(true)
	r.hashInsertLocked(idx)
	r.bucketInsertLocked(idx)
	r.size++
	return true, nil
}

// Unregister removes pid's record if registrant owns it (or it is
// unclaimed). It returns the record's process-FD (or -1) so the caller can
// decide whether to close it — per §4.B, not when it is the FD currently
// being awaited for a death notification.
func (r *Registry) Unregister(pid, registrant int32) (procFD int32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.findLocked(pid)
	if idx == nilIdx {
		return -1, ErrNotFound
	}
	rec := &r.arena[idx]
	if rec.registrant != 0 && rec.registrant != registrant {
		return -1, ErrNotOwner
	}
	fd := rec.procFD
	r.removeLocked(idx)
	return fd, nil
}

// removeLocked unlinks and frees idx. Caller holds the write lock.
func (r *Registry) removeLocked(idx int32) {
	r.hashRemoveLocked(idx)
	r.bucketRemoveLocked(idx)
	r.freeSlot(idx)
	r.size--
}

// Purge removes every record owned by registrant, returning their
// process-FDs for the caller to close.
func (r *Registry) Purge(registrant int32) []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fds []int32
	for i := range r.arena {
		idx := int32(i)
		rec := &r.arena[idx]
		if rec.inUse && rec.registrant == registrant {
			fds = append(fds, rec.procFD)
			r.removeLocked(idx)
		}
	}
	return fds
}

// Lookup returns a snapshot of pid's record.
func (r *Registry) Lookup(pid int32) (RecordView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.findLocked(pid)
	if idx == nilIdx {
		return RecordView{}, false
	}
	return r.viewLocked(idx), true
}

// RemoveView removes the record the view was taken from, provided it is
// still present with the same PID (the view may be stale if the reactor
// mutated the registry between the snapshot and this call). Used by victim
// selection after a kill succeeds.
func (r *Registry) RemoveView(v RecordView) (procFD int32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.findLocked(v.PID)
	if idx == nilIdx {
		return -1, false
	}
	fd := r.arena[idx].procFD
	r.removeLocked(idx)
	return fd, true
}

// Invalidate flips a record's valid flag without removing it, the
// watchdog-safe operation described in §3 and §4.I: it takes only the
// read lock so it never blocks behind (or on) the reactor thread's
// in-flight mutation, and mutates only the atomic valid flag.
func (r *Registry) Invalidate(pid int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.findLocked(pid)
	if idx == nilIdx {
		return false
	}
	return r.arena[idx].valid.CompareAndSwap(true, false)
}

// SweepInvalid removes every record whose valid flag has been cleared
// by Invalidate. Only the reactor thread calls this, since removal mutates
// bucket and hash structure.
func (r *Registry) SweepInvalid() (removed []RecordView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.arena {
		idx := int32(i)
		rec := &r.arena[idx]
		if rec.inUse && !rec.valid.Load() {
			removed = append(removed, r.viewLocked(idx))
			r.removeLocked(idx)
		}
	}
	return removed
}

// ForEachInBucket visits every record at adjustment adj from head (most
// recently inserted) to tail (oldest), calling fn with each snapshot. fn
// returns false to stop early.
func (r *Registry) ForEachInBucket(adj int32, fn func(RecordView) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bi := adjIndex(adj)
	idx := r.buckets[bi].head
	for idx != nilIdx {
		if !fn(r.viewLocked(idx)) {
			return
		}
		idx = r.arena[idx].next
	}
}

// Tail returns the oldest-inserted record at adjustment adj — the default
// eviction candidate per §3.
func (r *Registry) Tail(adj int32) (RecordView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bi := adjIndex(adj)
	idx := r.buckets[bi].tail
	if idx == nilIdx {
		return RecordView{}, false
	}
	return r.viewLocked(idx), true
}

// BucketEmpty reports whether adjustment adj currently has no records.
func (r *Registry) BucketEmpty(adj int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bi := adjIndex(adj)
	return r.buckets[bi].head == nilIdx
}

// Size returns the number of valid+invalid records currently held (removal
// happens only via Unregister/Purge/RemoveView/SweepInvalid).
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Snapshot returns a stable-ordered copy of every record, for diagnostics
// and tests only — never exposed over the control protocol.
func (r *Registry) Snapshot() []RecordView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecordView, 0, r.size)
	for adj := int32(OOMMin); adj <= OOMMax; adj++ {
		idx := r.buckets[adjIndex(adj)].head
		for idx != nilIdx {
			out = append(out, r.viewLocked(idx))
			idx = r.arena[idx].next
		}
	}
	return out
}
