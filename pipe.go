// Package bytepipe implements a single-producer/single-consumer
// asynchronous byte pipe backed by a bounded circular buffer with
// in-place, zero-copy access.
//
// A Pipe couples one writing goroutine to one reading goroutine: the
// writer produces bytes, the reader consumes them, and both park on a
// suspension slot (rather than spin) when the ring is full or empty.
// Pipe additionally supports splicing one pipe's output into another's
// input (JoinFrom) and a set of zero-copy visitor operations that hand
// the caller a borrowed view directly into the backing store.
//
// Text decoding, packet framing, and the scheduler that runs producer and
// consumer goroutines are deliberately outside this package's scope: the
// pipe exposes byte-range operations and narrow interfaces (PacketWriter,
// PacketReader, and a plain io.Writer for line output), and callers bring
// their own codec and concurrency harness.
package bytepipe

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Pipe is the channel described by the design: it composes the capacity
// counters, the tagged state machine, the closed marker, the suspension
// slots and the join state (C1–C5, C7) and exposes the byte-oriented
// read/write/flush/close API (C6).
//
// A Pipe must only ever be written from one goroutine at a time and read
// from one (possibly different) goroutine at a time; concurrent writers
// or concurrent readers are a programming error reported as
// ErrIllegalState.
type Pipe struct {
	cfg Config

	cap     *capacity
	machine *machine
	closed  *closedMarker

	readSlot  *slot
	writeSlot *slot

	totalRead    atomic.Int64
	totalWritten atomic.Int64

	join atomic.Pointer[joinState]

	// attachMu serializes AttachContext against itself; it does not
	// serialize against Close/Cancel, which are expected to race with a
	// context cancellation and must win idempotently either way.
	attachMu sync.Mutex
	attached *attachment
}

// attachment tracks one AttachContext watcher goroutine. superseded is set
// by a later AttachContext call before it cancels this attachment's derived
// context, so the watcher can tell "I was replaced" apart from "the
// caller's own context was genuinely cancelled" — both present identically
// as ctx.Err() == context.Canceled, so that error alone cannot distinguish
// them (see AttachContext).
type attachment struct {
	cancel     context.CancelFunc
	superseded atomic.Bool
}

// New creates an empty (IdleEmpty) pipe. No backing store is allocated
// until the first write or read.
func New(opts ...Option) (*Pipe, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	p := &Pipe{
		cfg:       cfg,
		cap:       newCapacity(cfg.Capacity),
		machine:   newMachine(stateRecord{tag: stateIdleEmpty}),
		closed:    &closedMarker{},
		readSlot:  newSlot(),
		writeSlot: newSlot(),
	}
	if cfg.ctx != nil {
		p.AttachContext(cfg.ctx)
	}
	return p, nil
}

// NewPreloaded creates a pipe already holding data, in the IdleNonEmpty
// state, as if a writer had written data and released the lease. len(data)
// must not exceed the configured capacity.
func NewPreloaded(data []byte, opts ...Option) (*Pipe, error) {
	p, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) > p.cfg.Capacity {
		return nil, ErrIllegalState
	}
	buf := p.cfg.Allocator.Get(int(p.cfg.Capacity + p.cfg.ReservedSize))
	bs := newBackingStore(buf, p.cfg.Capacity, p.cfg.ReservedSize)
	copy(bs.buf, data)
	bs.writePosition = uint32(len(data)) % p.cfg.Capacity
	p.cap.resetForRead(uint32(len(data)))
	p.machine.current.Store(&stateRecord{tag: stateIdleNonEmpty, backing: bs})
	p.totalWritten.Store(int64(len(data)))
	return p, nil
}

func (p *Pipe) leaseBuffer() (*backingStore, error) {
	buf := p.cfg.Allocator.Get(int(p.cfg.Capacity + p.cfg.ReservedSize))
	bs := newBackingStore(buf, p.cfg.Capacity, p.cfg.ReservedSize)
	p.cap.resetForWrite()
	return bs, nil
}

// releaseIfEmpty is passed to machine.releaseWrite/releaseRead: it reports
// whether the ring is now fully drained (nothing readable, nothing
// pending). It does not recycle the buffer itself: writeRelease/readRelease
// return the backing store to the allocator once the state transition
// has succeeded.
func (p *Pipe) releaseIfEmpty(b *backingStore) bool {
	r, _, pend, _ := p.cap.snapshot()
	if r != 0 || pend != 0 {
		return false
	}
	return true
}

func (p *Pipe) evictBacking(b *backingStore) {
	if b == nil {
		return
	}
	p.cap.forceLockForRelease()
	p.cfg.Allocator.Put(b.buf)
}

// AvailableForRead returns the number of bytes currently readable. Once
// the backing store has been released (an abortive close, or a normal
// close that drained and evicted it), this is always 0: the counters
// themselves are left stale by eviction, so released is checked first.
func (p *Pipe) AvailableForRead() int {
	r, _, _, released := p.cap.snapshot()
	if released {
		return 0
	}
	return int(r)
}

// AvailableForWrite returns the number of bytes currently writable.
func (p *Pipe) AvailableForWrite() int {
	_, w, _, released := p.cap.snapshot()
	if released {
		return 0
	}
	return int(w)
}

// IsClosedForRead reports whether the pipe is closed and fully drained:
// no further reads will ever return data.
func (p *Pipe) IsClosedForRead() bool {
	if !p.closed.isSet() {
		return false
	}
	return p.cap.released() || p.cap.isEmpty()
}

// IsClosedForWrite reports whether the pipe is closed (immediately true
// once Close/Cancel has run, regardless of what remains buffered).
func (p *Pipe) IsClosedForWrite() bool {
	return p.closed.isSet()
}

// TotalBytesRead returns the cumulative number of bytes consumed by
// completed read operations.
func (p *Pipe) TotalBytesRead() int64 { return p.totalRead.Load() }

// TotalBytesWritten returns the cumulative number of bytes accepted by
// completed write operations.
func (p *Pipe) TotalBytesWritten() int64 { return p.totalWritten.Load() }

// AutoFlush reports whether this pipe flushes implicitly after every
// write-path completion.
func (p *Pipe) AutoFlush() bool { return p.cfg.AutoFlush }

// Flush promotes pending writes to readable and wakes a parked reader (and,
// if room remains, a parked writer). If this pipe delegates to a join
// target, the delegate is flushed first.
func (p *Pipe) Flush() {
	if js := p.join.Load(); js != nil {
		js.delegateTail().Flush()
	}
	if !p.cap.flush() {
		return
	}
	r, w, _, _ := p.cap.snapshot()
	if r >= 1 {
		p.readSlot.wake()
	}
	if w >= 1 && p.join.Load() == nil {
		p.writeSlot.wake()
	}
}

func (p *Pipe) autoFlushIfNeeded() {
	if !p.cfg.AutoFlush {
		return
	}
	p.Flush()
}

// Close closes the pipe. A nil cause is a normal close: the reader drains
// whatever remains buffered and then observes IsClosedForRead. A non-nil
// cause is abortive: both sides are resumed with the cause and buffered
// bytes may be discarded. Close is idempotent; only the first call's
// cause sticks. Returns true if this call performed the close.
func (p *Pipe) Close(cause error) bool {
	p.cap.flush()
	won := p.closed.set(cause)
	p.cap.flush()

	if cause != nil {
		if b := p.machine.forceTerminate(); b != nil {
			p.evictBacking(b)
		}
	} else if p.cap.isEmpty() {
		if b := p.machine.forceTerminate(); b != nil {
			p.evictBacking(b)
		}
	}

	p.readSlot.wake()
	p.writeSlot.wake()

	if js := p.join.Load(); js != nil {
		js.propagateSourceClose(cause)
	}
	return won
}

// Cancel is Close with a cancellation cause if none is supplied.
func (p *Pipe) Cancel(cause error) bool {
	if cause == nil {
		cause = ErrCancelled
	}
	return p.Close(cause)
}

// AttachContext arranges for ctx's cancellation to close the pipe with
// ctx.Err(), mirroring the "attach a Job" ownership transfer in spec.md
// §5: once attached, external cancellation becomes pipe cancellation.
//
// Calling AttachContext again replaces the previous attachment: the prior
// watcher's derived context is cancelled, but that supersession must not
// itself be mistaken for the caller cancelling the pipe, so the outgoing
// attachment is marked superseded before its context is cancelled.
func (p *Pipe) AttachContext(ctx context.Context) {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()
	if p.attached != nil {
		p.attached.superseded.Store(true)
		p.attached.cancel()
	}
	childCtx, cancel := context.WithCancel(ctx)
	at := &attachment{cancel: cancel}
	p.attached = at
	go func() {
		<-childCtx.Done()
		if at.superseded.Load() {
			return
		}
		p.Cancel(childCtx.Err())
	}()
}

// closedErrForWrite reports the error a writer should see right now, and
// whether writing should stop.
func (p *Pipe) closedErrForWrite() (error, bool) {
	cause, ok := p.closed.get()
	if !ok {
		return nil, false
	}
	if cause != nil {
		return cause, true
	}
	return ErrClosedForWrite, true
}

// closedErrForRead reports the error a fully-reading caller should see
// once the ring is drained and the pipe is closed.
func (p *Pipe) closedErrForRead() error {
	cause, ok := p.closed.get()
	if !ok {
		return nil
	}
	if cause != nil {
		return cause
	}
	return ErrReceiveClosed
}
