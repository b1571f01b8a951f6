package bytepipe

import (
	"go.uber.org/atomic"
)

// capacity bits: three 20-bit counters packed into one CAS word, plus a
// sticky "released" flag in the top bit. 20 bits allows capacities up to
// 1,048,575 bytes, comfortably above the default 4088-byte ring.
const (
	counterBits = 20
	counterMask = (uint64(1) << counterBits) - 1
	releasedBit = uint64(1) << 63
)

func packCapacity(availRead, availWrite, pending uint32, released bool) uint64 {
	v := uint64(availRead)&counterMask |
		(uint64(availWrite)&counterMask)<<counterBits |
		(uint64(pending)&counterMask)<<(2*counterBits)
	if released {
		v |= releasedBit
	}
	return v
}

func unpackCapacity(v uint64) (availRead, availWrite, pending uint32, released bool) {
	availRead = uint32(v & counterMask)
	availWrite = uint32((v >> counterBits) & counterMask)
	pending = uint32((v >> (2 * counterBits)) & counterMask)
	released = v&releasedBit != 0
	return
}

// capacity is the atomic occupancy accounting for a single ring: the
// available-for-read, available-for-write and pending-to-flush counters,
// linearized through CAS on one packed word (C1 in the design).
//
// try* operations reserve capacity from one counter; complete* operations
// commit the reservation into the counter that receives it. This two-phase
// split lets a zero-copy visitor lease bytes, use fewer than it reserved,
// and refund the remainder without ever letting availableForRead +
// availableForWrite + pendingToFlush exceed totalCapacity.
type capacity struct {
	word  atomic.Uint64
	total uint32
}

func newCapacity(total uint32) *capacity {
	c := &capacity{total: total}
	c.word.Store(packCapacity(0, total, 0, false))
	return c
}

func (c *capacity) snapshot() (availRead, availWrite, pending uint32, released bool) {
	return unpackCapacity(c.word.Load())
}

// isFull reports whether no write space is left (availableForWrite == 0).
func (c *capacity) isFull() bool {
	_, w, _, _ := c.snapshot()
	return w == 0
}

func (c *capacity) isEmpty() bool {
	r, _, _, _ := c.snapshot()
	return r == 0
}

// tryWriteExact reserves exactly n bytes of availableForWrite, or reserves
// nothing and returns false.
func (c *capacity) tryWriteExact(n uint32) bool {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released || w < n {
			return false
		}
		next := packCapacity(r, w-n, p, released)
		if c.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// tryWriteAtMost reserves up to k bytes of availableForWrite, returning the
// amount actually reserved (0 if none available or poisoned).
func (c *capacity) tryWriteAtMost(k uint32) uint32 {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released || w == 0 {
			return 0
		}
		n := k
		if n > w {
			n = w
		}
		next := packCapacity(r, w-n, p, released)
		if c.word.CompareAndSwap(old, next) {
			return n
		}
	}
}

// tryWriteAtLeast reserves the entire availableForWrite if it is at least
// min, otherwise reserves nothing and returns 0.
func (c *capacity) tryWriteAtLeast(min uint32) uint32 {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released || w < min {
			return 0
		}
		next := packCapacity(r, 0, p, released)
		if c.word.CompareAndSwap(old, next) {
			return w
		}
	}
}

// tryReadExact reserves exactly n bytes of availableForRead, or reserves
// nothing and returns false.
func (c *capacity) tryReadExact(n uint32) bool {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released || r < n {
			return false
		}
		next := packCapacity(r-n, w, p, released)
		if c.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// tryReadAtMost reserves up to k bytes of availableForRead, returning the
// amount actually reserved.
func (c *capacity) tryReadAtMost(k uint32) uint32 {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released || r == 0 {
			return 0
		}
		n := k
		if n > r {
			n = r
		}
		next := packCapacity(r-n, w, p, released)
		if c.word.CompareAndSwap(old, next) {
			return n
		}
	}
}

// tryReadAtLeast reserves the entire availableForRead if it is at least
// min, otherwise reserves nothing and returns 0.
func (c *capacity) tryReadAtLeast(min uint32) uint32 {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released || r < min {
			return 0
		}
		next := packCapacity(0, w, p, released)
		if c.word.CompareAndSwap(old, next) {
			return r
		}
	}
}

// completeWrite commits n previously tryWrite*-reserved bytes into
// pendingToFlush.
func (c *capacity) completeWrite(n uint32) {
	if n == 0 {
		return
	}
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		next := packCapacity(r, w, p+n, released)
		if c.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// completeRead commits n previously tryRead*-reserved bytes into
// availableForWrite.
func (c *capacity) completeRead(n uint32) {
	if n == 0 {
		return
	}
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		next := packCapacity(r, w+n, p, released)
		if c.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// refundRead restores n bytes previously reserved from availableForRead
// (via tryReadAtMost/tryReadAtLeast) directly back into availableForRead,
// with the same effect as if they had never been reserved. This is
// distinct from completeWrite: completeWrite commits a write reservation
// into pendingToFlush, which is only promoted to availableForRead by a
// later flush(). A read-side refund must be visible to the very next
// availableForRead check (spec.md §4.2 point 5, "refund unused locked -
// actual bytes ... with the same effect as never having reserved it"), so
// it has to land straight back in availableForRead instead.
func (c *capacity) refundRead(n uint32) {
	if n == 0 {
		return
	}
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		next := packCapacity(r+n, w, p, released)
		if c.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// flush moves pendingToFlush into availableForRead, reporting whether any
// bytes moved.
func (c *capacity) flush() bool {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if p == 0 {
			return false
		}
		next := packCapacity(r+p, w, 0, released)
		if c.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// resetForWrite reinitializes the counters for a freshly leased backing
// store: everything available to write, nothing pending or readable.
func (c *capacity) resetForWrite() {
	c.word.Store(packCapacity(0, c.total, 0, false))
}

// resetForRead reinitializes the counters for a backing store that already
// carries preloaded content of size n, readable immediately.
func (c *capacity) resetForRead(n uint32) {
	c.word.Store(packCapacity(n, c.total-n, 0, false))
}

// tryLockForRelease poisons the capacity so all further try* operations
// fail, but only when the ring is fully drained and nothing is leased
// (r == 0, p == 0, w == total). Used when a pipe wants to return its
// backing store to the pool.
func (c *capacity) tryLockForRelease() bool {
	for {
		old := c.word.Load()
		r, w, p, released := unpackCapacity(old)
		if released {
			return false
		}
		if r != 0 || p != 0 || w != c.total {
			return false
		}
		next := packCapacity(r, w, p, true)
		if c.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// forceLockForRelease poisons the capacity unconditionally, used by an
// abortive close that discards whatever was left in the ring.
func (c *capacity) forceLockForRelease() {
	for {
		old := c.word.Load()
		r, w, p, _ := unpackCapacity(old)
		next := packCapacity(r, w, p, true)
		if c.word.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *capacity) released() bool {
	_, _, _, released := c.snapshot()
	return released
}
