package bytepipe

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapacityReserveCommitRoundTrip(t *testing.T) {
	c := newCapacity(64)

	require.True(t, c.tryWriteExact(10))
	r, w, p, _ := c.snapshot()
	require.EqualValues(t, 0, r)
	require.EqualValues(t, 54, w)
	require.EqualValues(t, 0, p)

	c.completeWrite(10)
	r, w, p, _ = c.snapshot()
	require.EqualValues(t, 0, r)
	require.EqualValues(t, 54, w)
	require.EqualValues(t, 10, p)

	require.True(t, c.flush())
	r, w, p, _ = c.snapshot()
	require.EqualValues(t, 10, r)
	require.EqualValues(t, 54, w)
	require.EqualValues(t, 0, p)

	require.True(t, c.tryReadExact(10))
	c.completeRead(10)
	r, w, p, _ = c.snapshot()
	require.EqualValues(t, 0, r)
	require.EqualValues(t, 64, w)
	require.EqualValues(t, 0, p)
}

func TestCapacityZeroCopyRefund(t *testing.T) {
	c := newCapacity(32)
	require.True(t, c.tryWriteExact(20))
	c.completeWrite(20)
	c.flush()

	locked := c.tryReadAtLeast(5)
	require.EqualValues(t, 20, locked)

	// Visitor only consumes 7 of the 20 locked bytes; the remainder must be
	// refunded straight back to availableForRead (as if never reserved),
	// not routed through pendingToFlush where it would sit invisible until
	// an explicit flush().
	consumed := uint32(7)
	c.completeRead(consumed)
	c.refundRead(locked - consumed)

	r, w, p, _ := c.snapshot()
	require.EqualValues(t, locked-consumed, r)
	require.EqualValues(t, 12+consumed, w)
	require.EqualValues(t, 0, p)
	require.EqualValues(t, 32, r+w+p)
}

// TestCapacityInvariantFuzz asserts that availableForRead + availableForWrite
// + pendingToFlush == total after every randomized sequence of
// reserve/commit/flush operations, with reservations always fully refunded
// or committed (never dropped) — the core safety invariant of C1.
func TestCapacityInvariantFuzz(t *testing.T) {
	const total = 128
	rnd := rand.New(rand.NewSource(1))

	for trial := 0; trial < 200; trial++ {
		c := newCapacity(total)
		for step := 0; step < 50; step++ {
			r, w, _, _ := c.snapshot()
			switch {
			case w > 0 && rnd.Intn(2) == 0:
				n := uint32(rnd.Intn(int(w)) + 1)
				locked := c.tryWriteAtMost(n)
				consumed := uint32(0)
				if locked > 0 {
					consumed = uint32(rnd.Intn(int(locked) + 1))
				}
				c.completeWrite(consumed)
				if locked > consumed {
					c.completeRead(locked - consumed)
				}
			case r > 0:
				n := uint32(rnd.Intn(int(r)) + 1)
				locked := c.tryReadAtMost(n)
				consumed := uint32(0)
				if locked > 0 {
					consumed = uint32(rnd.Intn(int(locked) + 1))
				}
				c.completeRead(consumed)
				if locked > consumed {
					c.refundRead(locked - consumed)
				}
			}
			c.flush()

			gr, gw, gp, _ := c.snapshot()
			require.EqualValues(t, total, gr+gw+gp, "trial %d step %d: counters out of balance", trial, step)
		}
	}
}

func TestTryLockForReleaseOnlyWhenDrained(t *testing.T) {
	c := newCapacity(16)
	require.True(t, c.tryWriteExact(4))
	require.False(t, c.tryLockForRelease(), "must not release while bytes are leased")
	c.completeWrite(4)
	require.False(t, c.tryLockForRelease(), "must not release with pending-to-flush bytes")
	c.flush()
	require.False(t, c.tryLockForRelease(), "must not release while bytes are readable")

	require.True(t, c.tryReadExact(4))
	c.completeRead(4)
	require.True(t, c.tryLockForRelease())
	require.True(t, c.released())
}
