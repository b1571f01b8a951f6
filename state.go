package bytepipe

import "sync/atomic"

// stateTag is the discriminant of the channel state sum type (C3).
type stateTag uint8

const (
	stateIdleEmpty stateTag = iota
	stateIdleNonEmpty
	stateWriting
	stateReading
	stateReadingWriting
	stateTerminated
)

// stateRecord is one immutable snapshot of the channel state. Transitions
// replace the pointer via CAS rather than mutate the record in place,
// giving the sum type's "tagged variant, pattern-matched" shape called for
// in spec.md §9 without subclassing.
type stateRecord struct {
	tag     stateTag
	backing *backingStore
}

// machine holds the current stateRecord behind an atomic pointer. All
// transitions are CAS loops over immutable stateRecord values.
type machine struct {
	current atomic.Pointer[stateRecord]
}

func newMachine(initial stateRecord) *machine {
	m := &machine{}
	m.current.Store(&initial)
	return m
}

// loadPtr returns the live *stateRecord pointer itself (not a copy) so it
// can be used as the "old" value in a subsequent CompareAndSwap: atomic.Pointer
// compares by pointer identity, so a CAS against the address of a freshly
// copied value would never match the stored pointer and would spin forever.
func (m *machine) loadPtr() *stateRecord {
	return m.current.Load()
}

func (m *machine) load() stateRecord {
	return *m.loadPtr()
}

func (m *machine) compareAndSwap(old *stateRecord, next stateRecord) bool {
	return m.current.CompareAndSwap(old, &next)
}

// acquireWrite performs the writer-side transition described in spec.md
// §4.2: IdleEmpty leases a new buffer and becomes Writing; IdleNonEmpty
// becomes Writing; Reading becomes ReadingWriting; Writing/ReadingWriting
// is API misuse ("write in progress"); Terminated cannot be written to.
// lease is called only from the IdleEmpty branch; if the CAS that follows
// loses a race, the loop retries and may call lease again.
func (m *machine) acquireWrite(lease func() (*backingStore, error)) (*backingStore, error) {
	for {
		curPtr := m.loadPtr()
		cur := *curPtr
		switch cur.tag {
		case stateIdleEmpty:
			b, err := lease()
			if err != nil {
				return nil, err
			}
			next := stateRecord{tag: stateWriting, backing: b}
			if m.compareAndSwap(curPtr, next) {
				return b, nil
			}
		case stateIdleNonEmpty:
			next := stateRecord{tag: stateWriting, backing: cur.backing}
			if m.compareAndSwap(curPtr, next) {
				return cur.backing, nil
			}
		case stateReading:
			next := stateRecord{tag: stateReadingWriting, backing: cur.backing}
			if m.compareAndSwap(curPtr, next) {
				return cur.backing, nil
			}
		case stateWriting, stateReadingWriting:
			return nil, ErrIllegalState
		case stateTerminated:
			return nil, ErrClosedForWrite
		}
	}
}

// releaseWrite reverses acquireWrite. If releaseEmpty reports the ring is
// now empty of both readable and pending bytes, the state falls back to
// IdleEmpty (or Terminated, if terminal is true) and the backing store is
// considered free for the caller to recycle.
func (m *machine) releaseWrite(releaseEmpty func(*backingStore) bool, terminal bool) (released *backingStore) {
	for {
		curPtr := m.loadPtr()
		cur := *curPtr
		var next stateRecord
		switch cur.tag {
		case stateWriting:
			if releaseEmpty(cur.backing) {
				if terminal {
					next = stateRecord{tag: stateTerminated}
				} else {
					next = stateRecord{tag: stateIdleEmpty}
				}
			} else {
				next = stateRecord{tag: stateIdleNonEmpty, backing: cur.backing}
			}
		case stateReadingWriting:
			next = stateRecord{tag: stateReading, backing: cur.backing}
		default:
			return nil
		}
		if m.compareAndSwap(curPtr, next) {
			if next.tag == stateIdleEmpty || next.tag == stateTerminated {
				return cur.backing
			}
			return nil
		}
	}
}

// acquireRead is the reader-side mirror of acquireWrite.
func (m *machine) acquireRead(lease func() (*backingStore, error)) (*backingStore, error) {
	for {
		curPtr := m.loadPtr()
		cur := *curPtr
		switch cur.tag {
		case stateIdleEmpty:
			b, err := lease()
			if err != nil {
				return nil, err
			}
			next := stateRecord{tag: stateReading, backing: b}
			if m.compareAndSwap(curPtr, next) {
				return b, nil
			}
		case stateIdleNonEmpty:
			next := stateRecord{tag: stateReading, backing: cur.backing}
			if m.compareAndSwap(curPtr, next) {
				return cur.backing, nil
			}
		case stateWriting:
			next := stateRecord{tag: stateReadingWriting, backing: cur.backing}
			if m.compareAndSwap(curPtr, next) {
				return cur.backing, nil
			}
		case stateReading, stateReadingWriting:
			return nil, ErrIllegalState
		case stateTerminated:
			return nil, ErrReceiveClosed
		}
	}
}

// releaseRead mirrors releaseWrite.
func (m *machine) releaseRead(releaseEmpty func(*backingStore) bool, terminal bool) (released *backingStore) {
	for {
		curPtr := m.loadPtr()
		cur := *curPtr
		var next stateRecord
		switch cur.tag {
		case stateReading:
			if releaseEmpty(cur.backing) {
				if terminal {
					next = stateRecord{tag: stateTerminated}
				} else {
					next = stateRecord{tag: stateIdleEmpty}
				}
			} else {
				next = stateRecord{tag: stateIdleNonEmpty, backing: cur.backing}
			}
		case stateReadingWriting:
			next = stateRecord{tag: stateWriting, backing: cur.backing}
		default:
			return nil
		}
		if m.compareAndSwap(curPtr, next) {
			if next.tag == stateIdleEmpty || next.tag == stateTerminated {
				return cur.backing
			}
			return nil
		}
	}
}

// forceTerminate unconditionally moves to Terminated, used by an abortive
// close. Returns the backing store that was live, if any, so the caller
// can evict it from the pool.
func (m *machine) forceTerminate() *backingStore {
	for {
		curPtr := m.loadPtr()
		cur := *curPtr
		if cur.tag == stateTerminated {
			return nil
		}
		next := stateRecord{tag: stateTerminated}
		if m.compareAndSwap(curPtr, next) {
			return cur.backing
		}
	}
}

func (m *machine) tag() stateTag {
	return m.load().tag
}
