package bytepipe

import (
	"context"
	"encoding/binary"
)

// writeAcquire performs the writer-side lease (closed check + state
// transition) shared by every write-family operation. Join redirection is
// resolved by the callers before they get here.
func (p *Pipe) writeAcquire() (*backingStore, error) {
	if err, closed := p.closedErrForWrite(); closed {
		return nil, err
	}
	b, err := p.machine.acquireWrite(p.leaseBuffer)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Pipe) writeRelease(terminal bool) {
	if b := p.machine.releaseWrite(p.releaseIfEmpty, terminal); b != nil {
		p.cfg.Allocator.Put(b.buf)
	}
}

func (p *Pipe) readAcquire() (*backingStore, error) {
	b, err := p.machine.acquireRead(p.leaseBuffer)
	if err != nil {
		if err == ErrReceiveClosed {
			// The machine reports this once Terminated, reached either by
			// Close (after closed is set) or by a join completing on this
			// source; surface the close cause, when there is one, rather
			// than this generic sentinel.
			if cause := p.closedErrForRead(); cause != nil {
				return nil, cause
			}
		}
		return nil, err
	}
	return b, nil
}

func (p *Pipe) readRelease(terminal bool) {
	if b := p.machine.releaseRead(p.releaseIfEmpty, terminal); b != nil {
		p.cfg.Allocator.Put(b.buf)
	}
}

// writePrimitive writes the s-byte big-endian encoding of value (produced
// by encode into a scratch buffer of length s), suspending until there is
// room. It handles the wrap-around case by writing the tail fragment into
// the reserved tail and then carrying it back (spec.md §4.2).
func (p *Pipe) writePrimitive(ctx context.Context, s uint32, encode func([]byte)) error {
	if err := p.awaitFreeSpaceAtLeast(ctx, s); err != nil {
		return err
	}
	target, err := p.resolveWriteTarget()
	if err != nil {
		return err
	}
	if target != p {
		return target.writePrimitive(ctx, s, encode)
	}

	b, err := p.writeAcquire()
	if err != nil {
		return err
	}
	if !p.cap.tryWriteExact(s) {
		p.writeRelease(false)
		return p.writePrimitive(ctx, s, encode) // lost race with another refresh; retry
	}

	remaining := b.contiguousToEndForWrite()
	if remaining >= s {
		scratch := b.writableSlice(s)
		encode(scratch)
		b.advanceWrite(s)
	} else {
		overflow := s - remaining
		tail := b.reservedTailForWrite(overflow)
		scratch := make([]byte, s)
		encode(scratch)
		copy(b.buf[b.writePosition:b.writePosition+remaining], scratch[:remaining])
		copy(tail, scratch[remaining:])
		b.carry(overflow)
		b.advanceWrite(s)
	}

	p.cap.completeWrite(s)
	p.totalWritten.Add(int64(s))
	p.writeRelease(false)
	p.autoFlushIfNeededOrFull()
	return nil
}

// autoFlushIfNeededOrFull flushes when autoFlush is configured, or
// unconditionally when the ring is full, so a producer that just filled
// the ring never deadlocks waiting on its own writes to become visible
// (spec.md §5 "Auto-flush with full ring is always flushed").
func (p *Pipe) autoFlushIfNeededOrFull() {
	if p.cfg.AutoFlush || p.cap.isFull() {
		p.Flush()
	}
}

// readPrimitive reads s bytes and decodes them via decode, suspending
// until s bytes are available. Handles the wrap-around case via
// rollBytes.
func (p *Pipe) readPrimitive(ctx context.Context, s uint32, decode func([]byte) uint64) (uint64, error) {
	if p.join.Load() != nil {
		if err := p.closedErrForRead(); err != nil {
			return 0, err
		}
		return 0, ErrReceiveClosed
	}
	if err := p.awaitAtLeastInternal(ctx, int(s)); err != nil {
		return 0, err
	}

	b, err := p.readAcquire()
	if err != nil {
		return 0, err
	}
	if !p.cap.tryReadExact(s) {
		p.readRelease(false)
		return p.readPrimitive(ctx, s, decode)
	}

	remaining := b.contiguousToEndForRead()
	var value uint64
	if remaining >= s {
		value = decode(b.readableSlice(s))
	} else {
		rolled := b.rollBytes(s, remaining)
		value = decode(rolled)
	}
	b.advanceRead(s)

	p.cap.completeRead(s)
	p.totalRead.Add(int64(s))
	p.readRelease(false)
	return value, nil
}

// ReadByte reads a single byte, suspending until one is available.
func (p *Pipe) ReadByte() (byte, error) {
	v, err := p.readPrimitive(context.Background(), 1, func(b []byte) uint64 { return uint64(b[0]) })
	return byte(v), err
}

// WriteByte writes a single byte, suspending until there is room.
func (p *Pipe) WriteByte(v byte) error {
	return p.writePrimitive(context.Background(), 1, func(b []byte) { b[0] = v })
}

// ReadUint16 reads a big-endian uint16, suspending until 2 bytes are
// available.
func (p *Pipe) ReadUint16() (uint16, error) {
	v, err := p.readPrimitive(context.Background(), 2, func(b []byte) uint64 { return uint64(binary.BigEndian.Uint16(b)) })
	return uint16(v), err
}

// WriteUint16 writes v as a big-endian uint16.
func (p *Pipe) WriteUint16(v uint16) error {
	return p.writePrimitive(context.Background(), 2, func(b []byte) { binary.BigEndian.PutUint16(b, v) })
}

// ReadUint32 reads a big-endian uint32.
func (p *Pipe) ReadUint32() (uint32, error) {
	v, err := p.readPrimitive(context.Background(), 4, func(b []byte) uint64 { return uint64(binary.BigEndian.Uint32(b)) })
	return uint32(v), err
}

// WriteUint32 writes v as a big-endian uint32.
func (p *Pipe) WriteUint32(v uint32) error {
	return p.writePrimitive(context.Background(), 4, func(b []byte) { binary.BigEndian.PutUint32(b, v) })
}

// ReadUint64 reads a big-endian uint64.
func (p *Pipe) ReadUint64() (uint64, error) {
	return p.readPrimitive(context.Background(), 8, func(b []byte) uint64 { return binary.BigEndian.Uint64(b) })
}

// WriteUint64 writes v as a big-endian uint64.
func (p *Pipe) WriteUint64(v uint64) error {
	return p.writePrimitive(context.Background(), 8, func(b []byte) { binary.BigEndian.PutUint64(b, v) })
}

// ReadFloat32 reads a big-endian float32 via its exact bit pattern.
func (p *Pipe) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	return float32frombits(v), err
}

// WriteFloat32 writes v's exact bit pattern as a big-endian uint32.
func (p *Pipe) WriteFloat32(v float32) error {
	return p.WriteUint32(float32bits(v))
}

// ReadFloat64 reads a big-endian float64 via its exact bit pattern.
func (p *Pipe) ReadFloat64() (float64, error) {
	v, err := p.ReadUint64()
	return float64frombits(v), err
}

// WriteFloat64 writes v's exact bit pattern as a big-endian uint64.
func (p *Pipe) WriteFloat64(v float64) error {
	return p.WriteUint64(float64bits(v))
}
