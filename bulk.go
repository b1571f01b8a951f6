package bytepipe

import (
	"context"
	"io"
	"unicode/utf8"
)

// Visitor is the zero-copy callback shape used by ReadFunc/WriteFunc and
// their non-suspending siblings. The callback is handed a view directly
// into the backing store for the duration of the call; it must return how
// many bytes it actually consumed/produced (advanced), which must be in
// [0, len(buf)]. Because Go slices are passed by value, a visitor cannot
// resize the caller's view out from under it — the "must not change the
// buffer's limit" contract in spec.md §6.2 is structurally guaranteed by
// the language rather than checked at runtime.
type Visitor func(buf []byte) (advanced int, err error)

// PacketWriter is the narrow interface the out-of-scope packet reader
// collaborator must satisfy for ReadPacket/ReadRemaining to hand it bytes
// without this package knowing anything about packet framing.
type PacketWriter interface {
	WriteAvailable([]byte) (int, error)
}

// PacketReader is the narrow interface the out-of-scope packet builder
// must satisfy for WritePacket to pull bytes from it.
type PacketReader interface {
	ReadAvailable([]byte) int
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// awaitAtLeastInternal parks the calling goroutine on the read slot until
// at least n bytes are available or the pipe is closed. It does not apply
// the "source of a join reads as closed" rule — that is layered on by the
// exported Read* methods — so it is also safe for the join copy loop to
// call directly on a joined source.
func (p *Pipe) awaitAtLeastInternal(ctx context.Context, n int) error {
	err := p.readSlot.wait(ctx, func() bool {
		r, _, _, _ := p.cap.snapshot()
		if int(r) >= n {
			return true
		}
		return p.closed.isSet()
	})
	if err != nil {
		return err
	}
	r, _, _, _ := p.cap.snapshot()
	if int(r) < n {
		return p.closedErrForRead()
	}
	return nil
}

// awaitFreeSpaceAtLeast parks the calling goroutine on the write slot
// until at least n bytes of write space are available or the pipe closes
// for writing.
func (p *Pipe) awaitFreeSpaceAtLeast(ctx context.Context, n uint32) error {
	if cause, closed := p.closedErrForWrite(); closed {
		return cause
	}
	err := p.writeSlot.wait(ctx, func() bool {
		_, w, _, _ := p.cap.snapshot()
		if w >= n {
			return true
		}
		return p.closed.isSet()
	})
	if err != nil {
		return err
	}
	if cause, closed := p.closedErrForWrite(); closed {
		return cause
	}
	return nil
}

// AwaitAtLeast blocks until at least n bytes are available to read or the
// pipe is closed, reporting whether n bytes became available.
func (p *Pipe) AwaitAtLeast(n int) bool {
	return p.AwaitAtLeastContext(context.Background(), n)
}

// AwaitAtLeastContext is AwaitAtLeast with cancellation.
func (p *Pipe) AwaitAtLeastContext(ctx context.Context, n int) bool {
	return p.awaitAtLeastInternal(ctx, n) == nil
}

// AwaitContent blocks until at least one byte is available or the pipe
// closes with nothing left.
func (p *Pipe) AwaitContent() error {
	return p.awaitAtLeastInternal(context.Background(), 1)
}

// AwaitFreeSpace blocks until at least one byte of write space is free or
// the pipe closes for writing.
func (p *Pipe) AwaitFreeSpace() error {
	return p.awaitFreeSpaceAtLeast(context.Background(), 1)
}

// readAvailableRaw is the non-suspending bulk read core shared by
// ReadAvailable and the join copy loop: copy whatever is available right
// now into dst, without parking. Returns -1 if nothing was copied and the
// pipe is closed.
func (p *Pipe) readAvailableRaw(dst []byte) int {
	total := 0
	for len(dst) > 0 {
		b, err := p.readAcquire()
		if err != nil {
			break
		}
		want := uint32(min(len(dst), int(b.contiguousToEndForRead())))
		avail := p.cap.tryReadAtMost(want)
		if avail == 0 {
			p.readRelease(false)
			break
		}
		src := b.readableSlice(avail)
		n := copy(dst, src)
		b.advanceRead(uint32(n))
		p.cap.completeRead(uint32(n))
		p.totalRead.Add(int64(n))
		dst = dst[n:]
		total += n
		p.readRelease(false)
	}
	if total == 0 && p.closed.isSet() {
		return -1
	}
	return total
}

// writeAvailableRaw is the non-suspending bulk write core.
func (p *Pipe) writeAvailableRaw(src []byte) int {
	total := 0
	for len(src) > 0 {
		b, err := p.writeAcquire()
		if err != nil {
			break
		}
		want := uint32(min(len(src), int(b.contiguousToEndForWrite())))
		avail := p.cap.tryWriteAtMost(want)
		if avail == 0 {
			p.writeRelease(false)
			break
		}
		dst := b.writableSlice(avail)
		n := copy(dst, src)
		b.advanceWrite(uint32(n))
		p.cap.completeWrite(uint32(n))
		p.totalWritten.Add(int64(n))
		src = src[n:]
		total += n
		p.writeRelease(false)
	}
	p.autoFlushIfNeededOrFull()
	return total
}

// ReadAvailable copies whatever is immediately available into dst,
// without suspending. It returns -1 if the pipe is closed with nothing
// left to read (including while this pipe is the source of an active
// join, which reads as closed per spec.md §4.3/§5).
func (p *Pipe) ReadAvailable(dst []byte) int {
	if p.join.Load() != nil {
		return -1
	}
	return p.readAvailableRaw(dst)
}

// WriteAvailable writes as much of src as currently fits without
// suspending, redirecting through any active join chain first.
func (p *Pipe) WriteAvailable(src []byte) int {
	target, _ := p.resolveWriteTarget()
	if target != p {
		return target.WriteAvailable(src)
	}
	if _, closed := p.closedErrForWrite(); closed {
		return -1
	}
	return p.writeAvailableRaw(src)
}

// ReadFull fills dst completely, suspending as needed, or returns an error
// (ErrReceiveClosed or the close cause) if the pipe closes first.
func (p *Pipe) ReadFull(dst []byte) error {
	return p.ReadFullContext(context.Background(), dst)
}

// ReadFullContext is ReadFull with cancellation.
func (p *Pipe) ReadFullContext(ctx context.Context, dst []byte) error {
	if p.join.Load() != nil {
		if err := p.closedErrForRead(); err != nil {
			return err
		}
		return ErrReceiveClosed
	}
	for len(dst) > 0 {
		if err := p.awaitAtLeastInternal(ctx, 1); err != nil {
			return err
		}
		n := p.readAvailableRaw(dst)
		if n < 0 {
			return p.closedErrForRead()
		}
		dst = dst[n:]
	}
	return nil
}

// WriteFull writes all of src, suspending as needed.
func (p *Pipe) WriteFull(src []byte) error {
	return p.WriteFullContext(context.Background(), src)
}

// WriteFullContext is WriteFull with cancellation.
func (p *Pipe) WriteFullContext(ctx context.Context, src []byte) error {
	target, err := p.resolveWriteTarget()
	if err != nil {
		return err
	}
	if target != p {
		return target.WriteFullContext(ctx, src)
	}
	for len(src) > 0 {
		if err := p.awaitFreeSpaceAtLeast(ctx, 1); err != nil {
			return err
		}
		n := p.writeAvailableRaw(src)
		if n < 0 {
			cause, _ := p.closedErrForWrite()
			return cause
		}
		src = src[n:]
	}
	return nil
}

// zeroCopyRead is the shared core of ReadAvailableFunc/ReadFunc.
func (p *Pipe) zeroCopyRead(ctx context.Context, min int, visitor Visitor, suspend bool) (int, error) {
	if p.join.Load() != nil {
		return -1, p.closedErrForRead()
	}
	if suspend {
		if err := p.awaitAtLeastInternal(ctx, min); err != nil {
			return -1, err
		}
	} else {
		r, _, _, _ := p.cap.snapshot()
		if int(r) < min {
			return -1, nil
		}
	}

	b, err := p.readAcquire()
	if err != nil {
		return -1, err
	}
	locked := p.cap.tryReadAtLeast(uint32(min))
	if locked == 0 {
		p.readRelease(false)
		return -1, nil
	}

	remaining := b.contiguousToEndForRead()
	view := b.readableSlice(locked)
	if remaining < locked {
		// Zero-copy cannot span the physical wrap boundary; hand only the
		// contiguous prefix and refund the rest immediately.
		view = b.readableSlice(remaining)
		p.cap.refundRead(locked - remaining)
		locked = remaining
	}

	advanced, verr := visitor(view)
	if advanced < 0 || advanced > int(locked) {
		p.cap.refundRead(locked)
		p.readRelease(false)
		return -1, ErrIllegalState
	}

	b.advanceRead(uint32(advanced))
	p.cap.completeRead(uint32(advanced))
	p.totalRead.Add(int64(advanced))
	p.cap.refundRead(locked - uint32(advanced))
	p.readRelease(false)
	return advanced, verr
}

// ReadAvailableFunc is the non-suspending zero-copy read: it returns -1
// without invoking visitor if fewer than min bytes are available.
func (p *Pipe) ReadAvailableFunc(min int, visitor Visitor) (int, error) {
	return p.zeroCopyRead(context.Background(), min, visitor, false)
}

// ReadFunc is the suspending zero-copy read: it parks until at least min
// bytes are available, then hands visitor a borrowed view.
func (p *Pipe) ReadFunc(ctx context.Context, min int, visitor Visitor) (int, error) {
	return p.zeroCopyRead(ctx, min, visitor, true)
}

// zeroCopyWrite is the shared core of WriteAvailableFunc/WriteFunc.
func (p *Pipe) zeroCopyWrite(ctx context.Context, min int, visitor Visitor, suspend bool) (int, error) {
	target, err := p.resolveWriteTarget()
	if err != nil {
		return -1, err
	}
	if target != p {
		return target.zeroCopyWrite(ctx, min, visitor, suspend)
	}
	if cause, closed := p.closedErrForWrite(); closed {
		return -1, cause
	}
	if suspend {
		if err := p.awaitFreeSpaceAtLeast(ctx, uint32(min)); err != nil {
			return -1, err
		}
	} else {
		_, w, _, _ := p.cap.snapshot()
		if int(w) < min {
			return -1, nil
		}
	}

	b, err := p.writeAcquire()
	if err != nil {
		return -1, err
	}
	locked := p.cap.tryWriteAtLeast(uint32(min))
	if locked == 0 {
		p.writeRelease(false)
		return -1, nil
	}

	remaining := b.contiguousToEndForWrite()
	view := b.writableSlice(locked)
	if remaining < locked {
		view = b.writableSlice(remaining)
		p.cap.completeRead(locked - remaining)
		locked = remaining
	}

	advanced, verr := visitor(view)
	if advanced < 0 || advanced > int(locked) {
		p.cap.completeRead(locked)
		p.writeRelease(false)
		return -1, ErrIllegalState
	}

	b.advanceWrite(uint32(advanced))
	p.cap.completeWrite(uint32(advanced))
	p.totalWritten.Add(int64(advanced))
	p.cap.completeRead(locked - uint32(advanced))
	p.writeRelease(false)
	p.autoFlushIfNeededOrFull()
	return advanced, verr
}

// WriteAvailableFunc is the non-suspending zero-copy write.
func (p *Pipe) WriteAvailableFunc(min int, visitor Visitor) (int, error) {
	return p.zeroCopyWrite(context.Background(), min, visitor, false)
}

// WriteFunc is the suspending zero-copy write.
func (p *Pipe) WriteFunc(ctx context.Context, min int, visitor Visitor) (int, error) {
	return p.zeroCopyWrite(ctx, min, visitor, true)
}

// WriteWhile repeatedly invokes visitor with a fresh writable view until
// visitor reports it has nothing left to produce (cont == false) or
// returns an error.
func (p *Pipe) WriteWhile(ctx context.Context, visitor func(buf []byte) (advanced int, cont bool, err error)) error {
	for {
		cont := false
		_, err := p.zeroCopyWrite(ctx, 1, func(buf []byte) (int, error) {
			n, c, verr := visitor(buf)
			cont = c
			return n, verr
		}, true)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// WriteSuspendSession hands fn a write callback it can invoke any number
// of times, each call suspending until at least min bytes are free. This
// is the Go realization of spec.md §6.1's writeSuspendSession: rather than
// a single lease kept alive across suspension points (which Go's value
// slices cannot express safely), the caller re-requests a lease per call.
func (p *Pipe) WriteSuspendSession(ctx context.Context, fn func(write func(min int, visitor Visitor) (int, error)) error) error {
	return fn(func(min int, visitor Visitor) (int, error) {
		return p.zeroCopyWrite(ctx, min, visitor, true)
	})
}

// Discard drops up to max bytes without delivering them to the caller,
// returning how many were actually discarded.
func (p *Pipe) Discard(max int64) (int64, error) {
	return p.DiscardContext(context.Background(), max)
}

// DiscardContext is Discard with cancellation.
func (p *Pipe) DiscardContext(ctx context.Context, max int64) (int64, error) {
	if p.join.Load() != nil {
		return 0, nil
	}
	scratch := make([]byte, min64(max, 4096))
	var total int64
	for total < max {
		if err := p.awaitAtLeastInternal(ctx, 1); err != nil {
			if ctx != nil && ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, nil
		}
		chunk := scratch
		remain := max - total
		if int64(len(chunk)) > remain {
			chunk = chunk[:remain]
		}
		n := p.readAvailableRaw(chunk)
		if n <= 0 {
			break
		}
		total += int64(n)
	}
	return total, nil
}

// PeekTo copies up to max bytes, starting at logical offset off from the
// current read position, into dst[dstOff:], without consuming them.
// Requires at least off+min bytes to be available.
func (p *Pipe) PeekTo(dst []byte, dstOff, off, min, max int) (int64, error) {
	return p.PeekToContext(context.Background(), dst, dstOff, off, min, max)
}

// PeekToContext is PeekTo with cancellation.
func (p *Pipe) PeekToContext(ctx context.Context, dst []byte, dstOff, off, min, max int) (int64, error) {
	if p.join.Load() != nil {
		return 0, p.closedErrForRead()
	}
	need := off + min
	if err := p.awaitAtLeastInternal(ctx, need); err != nil {
		return 0, err
	}
	var copied int64
	_, err := p.zeroCopyRead(ctx, need, func(buf []byte) (int, error) {
		avail := len(buf) - off
		if avail < 0 {
			avail = 0
		}
		take := avail
		if take > max {
			take = max
		}
		if room := len(dst) - dstOff; take > room {
			take = room
		}
		if take > 0 {
			copy(dst[dstOff:dstOff+take], buf[off:off+take])
			copied = int64(take)
		}
		return 0, nil
	}, true)
	return copied, err
}

// ReadPacket reads exactly size bytes from the pipe, forwarding them to w
// in ring-sized chunks via its WriteAvailable. size and the packet framing
// itself are the caller's concern (spec.md §1's "packet builder / reader
// auxiliary types" boundary); this only moves bytes.
func (p *Pipe) ReadPacket(ctx context.Context, size int, w PacketWriter) error {
	remaining := size
	scratch := make([]byte, min(size, 4096))
	for remaining > 0 {
		chunk := scratch
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		if err := p.ReadFullContext(ctx, chunk); err != nil {
			return err
		}
		for off := 0; off < len(chunk); {
			n, err := w.WriteAvailable(chunk[off:])
			if err != nil {
				return err
			}
			if n <= 0 {
				return ErrIllegalState
			}
			off += n
		}
		remaining -= len(chunk)
	}
	return nil
}

// WritePacket pulls exactly size bytes from r, via its ReadAvailable, and
// writes them through the pipe in ring-sized chunks. Like ReadPacket, the
// packet framing itself is the caller's concern; this only moves bytes.
func (p *Pipe) WritePacket(ctx context.Context, size int, r PacketReader) error {
	remaining := size
	scratch := make([]byte, min(size, 4096))
	for remaining > 0 {
		chunk := scratch
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		n := r.ReadAvailable(chunk)
		if n <= 0 {
			return ErrIllegalState
		}
		if err := p.WriteFullContext(ctx, chunk[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// ReadRemaining forwards everything available up to limit bytes to w,
// stopping when the pipe closes for read or limit is reached. It returns
// the number of bytes forwarded.
func (p *Pipe) ReadRemaining(ctx context.Context, limit int64, w PacketWriter) (int64, error) {
	scratch := make([]byte, 4096)
	var total int64
	for limit < 0 || total < limit {
		if err := p.awaitAtLeastInternal(ctx, 1); err != nil {
			return total, nil
		}
		chunk := scratch
		if limit >= 0 {
			if remain := limit - total; int64(len(chunk)) > remain {
				chunk = chunk[:remain]
			}
		}
		n := p.ReadAvailable(chunk)
		if n < 0 {
			return total, nil
		}
		for off := 0; off < n; {
			wn, err := w.WriteAvailable(chunk[off:n])
			if err != nil {
				return total, err
			}
			if wn <= 0 {
				return total, ErrIllegalState
			}
			off += wn
		}
		total += int64(n)
	}
	return total, nil
}

// ReadUTF8Line reads bytes up to the next '\n' (an optional preceding
// '\r' is stripped), returning the decoded line without the terminator.
// It fails with ErrTooLongLine if no terminator appears within limit
// bytes, and ErrMalformedInput if the line is not valid UTF-8.
func (p *Pipe) ReadUTF8Line(limit int) (string, error) {
	var sb []byte
	for {
		c, err := p.ReadByte()
		if err != nil {
			if len(sb) > 0 && err == ErrReceiveClosed {
				break
			}
			return "", err
		}
		if c == '\n' {
			break
		}
		sb = append(sb, c)
		if len(sb) > limit {
			return "", ErrTooLongLine
		}
	}
	if len(sb) > 0 && sb[len(sb)-1] == '\r' {
		sb = sb[:len(sb)-1]
	}
	if !utf8.Valid(sb) {
		return "", ErrMalformedInput
	}
	return string(sb), nil
}

// ReadUTF8LineTo is ReadUTF8Line with the decoded line written to out in
// one Write call instead of returned as a string (out is any
// io.Writer, matching the "only their byte interfaces matter" boundary of
// the out-of-scope text codec).
func (p *Pipe) ReadUTF8LineTo(out io.Writer, limit int) error {
	line, err := p.ReadUTF8Line(limit)
	if err != nil {
		return err
	}
	_, werr := out.Write([]byte(line))
	return werr
}
