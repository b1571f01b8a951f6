package bytepipe

import (
	"context"
	"sync/atomic"

	"go.uber.org/multierr"
)

// joinState records an active splice: src's writes no longer land in src's
// own ring, they are streamed into delegateTo (spec.md §4.3/§7 "join").
// It hangs off src.join; only src ever points at a joinState.
type joinState struct {
	src           *Pipe
	delegateTo    *Pipe
	delegateClose bool
	doneCh        chan struct{}

	// err holds the combined cause once the copy goroutine exits: src's own
	// close cause and, if the copy ended because dst rejected a write
	// independently, dst's cause too. Both can be non-nil when src finishes
	// producing around the same time dst stops accepting; multierr keeps
	// both visible rather than the loop silently picking one.
	err atomic.Pointer[error]
}

// delegateTail walks the join chain starting at delegateTo, following each
// pipe's own join field in turn, and returns the pipe at the end of the
// chain. Chains longer than this are treated as a construction bug caught
// at JoinFrom time, so under normal operation this never loops far.
func (js *joinState) delegateTail() *Pipe {
	cur := js.delegateTo
	for i := 0; i < 64; i++ {
		next := cur.join.Load()
		if next == nil {
			return cur
		}
		cur = next.delegateTo
	}
	return cur
}

// propagateSourceClose is invoked from Pipe.Close when the closed pipe is
// the source of a join. If the copy goroutine has already finished
// draining (doneCh closed), the delegate target is closed right now;
// otherwise the running copy will close it once src is fully drained, so
// buffered-but-unstreamed bytes are not lost.
func (js *joinState) propagateSourceClose(cause error) {
	if !js.delegateClose {
		return
	}
	select {
	case <-js.doneCh:
		js.delegateTo.Close(cause)
	default:
	}
}

// resolveWriteTarget follows p's join chain (if any) to find where writes
// issued against p actually land.
func (p *Pipe) resolveWriteTarget() (*Pipe, error) {
	js := p.join.Load()
	if js == nil {
		return p, nil
	}
	return js.delegateTail(), nil
}

// wouldCycle reports whether joining src into dst would create a cycle,
// directly (src == dst) or by way of dst's existing join chain eventually
// looping back to src.
func wouldCycle(src, dst *Pipe) bool {
	if src == dst {
		return true
	}
	cur := dst
	for i := 0; i < 64; i++ {
		js := cur.join.Load()
		if js == nil {
			return false
		}
		if js.delegateTo == src {
			return true
		}
		cur = js.delegateTo
	}
	return true
}

// JoinFrom splices src's output into dst: bytes written to src (directly,
// or via anything further up src's own join chain) are instead streamed
// into dst, and src's own read side behaves as closed for the duration
// (spec.md §4.3). If delegateClose is true, closing src propagates to dst
// once src is fully drained.
//
// JoinFrom returns ErrJoinCycle if the splice would create a cycle, and
// ErrIllegalState if src is already the source of another join.
func (dst *Pipe) JoinFrom(src *Pipe, delegateClose bool) error {
	if src == nil {
		return ErrIllegalState
	}
	if wouldCycle(src, dst) {
		return ErrJoinCycle
	}

	if src.machine.tag() == stateTerminated {
		if delegateClose {
			cause, _ := src.closed.get()
			dst.Close(cause)
		}
		return nil
	}

	if cause, closed := dst.closedErrForWrite(); closed {
		if cause != ErrClosedForWrite {
			src.Close(cause)
			return cause
		}
		dst.Flush()
		return nil
	}

	if src.join.Load() != nil {
		return ErrIllegalState
	}

	js := &joinState{src: src, delegateTo: dst, delegateClose: delegateClose, doneCh: make(chan struct{})}
	if !src.join.CompareAndSwap(nil, js) {
		return ErrIllegalState
	}

	if src.cap.tryLockForRelease() {
		if b := src.machine.forceTerminate(); b != nil {
			src.cfg.Allocator.Put(b.buf)
		}
		src.readSlot.wake()
		src.writeSlot.wake()
		close(js.doneCh)
		if delegateClose {
			// Only an already-closed src closes dst here; a later src.Close
			// reaches dst through propagateSourceClose.
			if cause, closed := src.closed.get(); closed {
				dst.Close(cause)
			}
		}
		return nil
	}

	go copyDirect(dst, src, js)
	return nil
}

// copyDirect drains src into dst until src closes and is fully read,
// bypassing the "source of a join reads as closed" guard the exported
// Read* methods apply (this goroutine IS the thing doing those reads).
func copyDirect(dst, src *Pipe, js *joinState) {
	ctx := context.Background()
	buf := make([]byte, min(int(src.cfg.Capacity), 4096))
	var writeErr error
	for {
		if err := src.awaitAtLeastInternal(ctx, 1); err != nil {
			break
		}
		n := src.readAvailableRaw(buf)
		if n < 0 {
			break
		}
		if n > 0 {
			if werr := dst.WriteFullContext(ctx, buf[:n]); werr != nil {
				writeErr = werr
				break
			}
		}
	}

	cause, _ := src.closed.get()
	if combined := multierr.Append(cause, writeErr); combined != nil {
		js.err.Store(&combined)
	}

	if b := src.machine.forceTerminate(); b != nil {
		src.cfg.Allocator.Put(b.buf)
	}
	src.readSlot.wake()
	src.writeSlot.wake()
	close(js.doneCh)

	if js.delegateClose {
		dst.Close(cause)
	}
}

// JoinError returns the combined cause observed while this pipe was
// streaming into a join delegate, if any: its own close cause and, if the
// copy ended because the delegate independently stopped accepting writes,
// the delegate's cause as well. Returns nil if this pipe was never joined
// or the join is still active.
func (p *Pipe) JoinError() error {
	js := p.join.Load()
	if js == nil {
		return nil
	}
	if e := js.err.Load(); e != nil {
		return *e
	}
	return nil
}
