package bytepipe

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	p, err := New(WithCapacity(64), WithAutoFlush(true))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, p.WriteByte(0x7))
		require.NoError(t, p.WriteUint16(1234))
		require.NoError(t, p.WriteUint32(56789))
		require.NoError(t, p.WriteUint64(123456789))
		require.NoError(t, p.WriteFloat32(3.25))
		require.NoError(t, p.WriteFloat64(2.71875))
		p.Close(nil)
	}()

	b, err := p.ReadByte()
	require.NoError(t, err)
	require.EqualValues(t, 0x7, b)

	u16, err := p.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 1234, u16)

	u32, err := p.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 56789, u32)

	u64, err := p.ReadUint64()
	require.NoError(t, err)
	require.EqualValues(t, 123456789, u64)

	f32, err := p.ReadFloat32()
	require.NoError(t, err)
	require.Equal(t, float32(3.25), f32)

	f64, err := p.ReadFloat64()
	require.NoError(t, err)
	require.Equal(t, 2.71875, f64)

	<-done
	_, err = p.ReadByte()
	require.ErrorIs(t, err, ErrReceiveClosed)
	require.True(t, p.IsClosedForRead())
}

// TestWrapBoundary forces a 4-byte primitive write and read to straddle the
// ring's physical end, exercising carry (write side) and rollBytes (read
// side).
func TestWrapBoundary(t *testing.T) {
	p, err := New(WithCapacity(8), WithAutoFlush(true))
	require.NoError(t, err)

	require.NoError(t, p.WriteFull([]byte("ABCDEF")))

	leading := make([]byte, 2)
	require.NoError(t, p.ReadFull(leading))
	require.Equal(t, "AB", string(leading))

	// writePosition is now 6; a 4-byte write wraps across the boundary.
	require.NoError(t, p.WriteUint32(0xAABBCCDD))

	trailing := make([]byte, 4)
	require.NoError(t, p.ReadFull(trailing))
	require.Equal(t, "CDEF", string(trailing))

	// readPosition is now 6, matching the wrapped write.
	v, err := p.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 0xAABBCCDD, v)
}

func TestProducerClosesMidStream(t *testing.T) {
	p, err := New(WithCapacity(32), WithAutoFlush(true))
	require.NoError(t, err)

	require.NoError(t, p.WriteFull([]byte("hello")))
	p.Close(nil)

	buf := make([]byte, 10)
	err = p.ReadFull(buf)
	require.ErrorIs(t, err, ErrReceiveClosed)
	require.Equal(t, "hello", string(buf[:5]))
}

func TestAbortiveClose(t *testing.T) {
	p, err := New(WithCapacity(32), WithAutoFlush(true))
	require.NoError(t, err)

	require.NoError(t, p.WriteFull([]byte("ab")))

	cause := errors.New("boom")
	p.Close(cause)

	require.True(t, p.IsClosedForRead())
	require.Equal(t, 0, p.AvailableForRead())

	buf := make([]byte, 2)
	err = p.ReadFull(buf)
	require.ErrorIs(t, err, cause)

	err = p.WriteByte('x')
	require.ErrorIs(t, err, cause)
}

func TestBackpressure(t *testing.T) {
	p, err := New(WithCapacity(4), WithAutoFlush(true))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("0123456789"), 50) // far larger than the ring
	received := make([]byte, len(payload))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, p.WriteFull(payload))
		p.Close(nil)
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, p.ReadFull(received))
	}()
	wg.Wait()

	require.True(t, bytes.Equal(payload, received))
}

func TestJoin(t *testing.T) {
	src, err := New(WithCapacity(32), WithAutoFlush(true))
	require.NoError(t, err)
	dst, err := New(WithCapacity(32), WithAutoFlush(true))
	require.NoError(t, err)

	require.NoError(t, src.WriteFull([]byte("pre")))
	require.NoError(t, dst.JoinFrom(src, true))

	buf := make([]byte, 3)
	require.NoError(t, dst.ReadFull(buf))
	require.Equal(t, "pre", string(buf))

	// Writes issued against src after the join redirect into dst.
	require.NoError(t, src.WriteFull([]byte("post")))
	buf2 := make([]byte, 4)
	require.NoError(t, dst.ReadFull(buf2))
	require.Equal(t, "post", string(buf2))

	// Reads against the joined source act as closed.
	require.Equal(t, -1, src.ReadAvailable(make([]byte, 10)))

	src.Close(nil)
	err = dst.ReadFull(make([]byte, 1))
	require.ErrorIs(t, err, ErrReceiveClosed)
	require.True(t, dst.IsClosedForRead())
}

func TestJoinCycleRejected(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	require.NoError(t, b.JoinFrom(a, false))
	err = a.JoinFrom(b, false)
	require.ErrorIs(t, err, ErrJoinCycle)

	err = a.JoinFrom(a, false)
	require.ErrorIs(t, err, ErrJoinCycle)
}

func TestAttachContextCancelsPipe(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.AttachContext(ctx)
	cancel()

	buf := make([]byte, 1)
	readErr := p.ReadFullContext(context.Background(), buf)
	require.Error(t, readErr)
	require.True(t, p.IsClosedForWrite())
}

func TestZeroCopyReadRefundsUnconsumedBytes(t *testing.T) {
	p, err := New(WithCapacity(32), WithAutoFlush(true))
	require.NoError(t, err)
	require.NoError(t, p.WriteFull([]byte("0123456789")))

	n, err := p.ReadAvailableFunc(1, func(buf []byte) (int, error) {
		return 3, nil // only consume a prefix of what was locked
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 7, p.AvailableForRead())

	rest := make([]byte, 7)
	require.NoError(t, p.ReadFull(rest))
	require.Equal(t, "3456789", string(rest))
}

// TestVisitorRefundFuzz drives ReadFunc/WriteFunc through randomized
// partial-consumption visitors and checks every byte the producer wrote is
// observed, in order and without duplication, by the consumer — the
// zero-copy refund path must never lose or double-count a byte regardless
// of how little of the locked view a visitor advances past.
func TestVisitorRefundFuzz(t *testing.T) {
	writerRng := rand.New(rand.NewSource(7))
	readerRng := rand.New(rand.NewSource(13))
	p, err := New(WithCapacity(16), WithAutoFlush(true))
	require.NoError(t, err)

	const total = 4000
	payload := make([]byte, total)
	writerRng.Read(payload)

	done := make(chan error, 1)
	go func() {
		defer p.Close(nil)
		remaining := payload
		for len(remaining) > 0 {
			n, werr := p.WriteFunc(context.Background(), 1, func(buf []byte) (int, error) {
				take := writerRng.Intn(len(buf)) + 1
				if take > len(remaining) {
					take = len(remaining)
				}
				return copy(buf[:take], remaining), nil
			})
			if werr != nil {
				done <- werr
				return
			}
			remaining = remaining[n:]
		}
		done <- nil
	}()

	got := make([]byte, 0, total)
	for len(got) < total {
		n, rerr := p.ReadFunc(context.Background(), 1, func(buf []byte) (int, error) {
			take := readerRng.Intn(len(buf)) + 1
			got = append(got, buf[:take]...)
			return take, nil
		})
		if n < 0 {
			require.ErrorIs(t, rerr, ErrReceiveClosed)
			break
		}
		require.NoError(t, rerr)
	}

	require.NoError(t, <-done)
	require.Equal(t, total, len(got))
	require.True(t, bytes.Equal(payload, got))
}

func TestConcurrentReadersRejected(t *testing.T) {
	p, err := New(WithCapacity(8))
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			errs <- p.ReadFull(make([]byte, 1))
		}()
	}

	// Wait until one of the two has parked and the other has already come
	// back rejected with "already in progress" before closing, so the close
	// cannot reach the second reader first.
	require.Eventually(t, func() bool {
		return p.readSlot.inProgress() && len(errs) == 1
	}, time.Second, time.Millisecond, "expected one reader to park and the other to be rejected")

	p.Close(nil)
	wg.Wait()
	close(errs)

	var illegal, closed int
	for e := range errs {
		switch {
		case errors.Is(e, ErrIllegalState):
			illegal++
		case errors.Is(e, ErrReceiveClosed):
			closed++
		}
	}
	require.Equal(t, 1, illegal, "exactly one concurrent reader must be rejected")
	require.Equal(t, 1, closed, "the other reader must observe the close")
}
