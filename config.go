package bytepipe

import "context"

// Allocator is the pooling strategy spec.md §6.4 treats as an external
// collaborator: "borrow / recycle initial buffer" is the only contract
// that matters to the pipe. Get must return a slice of length at least
// size; Put returns a buffer the pipe no longer needs.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

// ChannelAllocator is a thread-safe, channel-backed buffer pool. It is
// adapted from agilira/lethe's SafeBufferPool: buffers are only ever
// reused once a Put has fully handed them back, so there is no risk of a
// recycled buffer still being read by a prior lease.
type ChannelAllocator struct {
	pool chan []byte
	size int
}

// NewChannelAllocator creates a pool of up to poolSize reusable buffers,
// each sized bufferSize. The pool is pre-populated so the first poolSize
// Get calls never allocate.
func NewChannelAllocator(poolSize, bufferSize int) *ChannelAllocator {
	a := &ChannelAllocator{
		pool: make(chan []byte, poolSize),
		size: bufferSize,
	}
	for i := 0; i < poolSize; i++ {
		a.pool <- make([]byte, bufferSize)
	}
	return a
}

// Get returns a buffer of at least size bytes, reusing a pooled buffer
// when one of adequate capacity is available.
func (a *ChannelAllocator) Get(size int) []byte {
	select {
	case buf := <-a.pool:
		if cap(buf) >= size {
			return buf[:size]
		}
		return make([]byte, size)
	default:
		return make([]byte, size)
	}
}

// Put returns buf to the pool for reuse. Buffers of the wrong size are
// dropped rather than pooled, so the pool never drifts toward holding
// buffers smaller than bufferSize.
func (a *ChannelAllocator) Put(buf []byte) {
	if cap(buf) != a.size {
		return
	}
	select {
	case a.pool <- buf[:a.size]:
	default:
		// pool full, let GC reclaim it
	}
}

// directAllocator allocates a fresh buffer on every Get and discards on
// every Put; it is the zero-configuration default when the caller has no
// reuse pattern worth pooling.
type directAllocator struct{}

func (directAllocator) Get(size int) []byte { return make([]byte, size) }
func (directAllocator) Put([]byte)          {}

// Config holds the construction-time knobs enumerated in spec.md §6.4.
type Config struct {
	// Capacity is the logical ring size C. Must be > 0.
	Capacity uint32
	// ReservedSize is the wrap-tail size R, must be >= the largest
	// primitive written through the pipe (8, for float64/int64).
	ReservedSize uint32
	// AutoFlush, if true, flushes implicitly after every write-path
	// completion (spec.md §4.2 "Auto-flush").
	AutoFlush bool
	// Allocator supplies and recycles backing buffers. Defaults to a
	// non-pooling allocator if nil.
	Allocator Allocator

	// ctx, if set via WithContext, is attached (as AttachContext would) as
	// soon as the pipe is constructed.
	ctx context.Context
}

// DefaultCapacity and DefaultReservedSize match the worked examples in
// spec.md §8 (a 4088-byte ring with an 8-byte wrap tail).
const (
	DefaultCapacity     = 4088
	DefaultReservedSize = 8
)

// Option configures a Config; see WithCapacity, WithReservedSize,
// WithAutoFlush, WithAllocator.
type Option func(*Config)

// WithCapacity overrides the default logical ring capacity.
func WithCapacity(c uint32) Option {
	return func(cfg *Config) { cfg.Capacity = c }
}

// WithReservedSize overrides the default wrap-tail size.
func WithReservedSize(r uint32) Option {
	return func(cfg *Config) { cfg.ReservedSize = r }
}

// WithAutoFlush enables or disables implicit flush-on-write.
func WithAutoFlush(enabled bool) Option {
	return func(cfg *Config) { cfg.AutoFlush = enabled }
}

// WithAllocator installs a custom backing-store pool.
func WithAllocator(a Allocator) Option {
	return func(cfg *Config) { cfg.Allocator = a }
}

// WithContext attaches ctx to the pipe at construction time, equivalent to
// calling AttachContext immediately after New returns: ctx's cancellation
// closes the pipe with ctx.Err().
func WithContext(ctx context.Context) Option {
	return func(cfg *Config) { cfg.ctx = ctx }
}

func newConfig(opts ...Option) (Config, error) {
	cfg := Config{
		Capacity:     DefaultCapacity,
		ReservedSize: DefaultReservedSize,
		Allocator:    directAllocator{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Capacity == 0 {
		return cfg, ErrIllegalState
	}
	if cfg.ReservedSize < 8 {
		return cfg, ErrIllegalState
	}
	if cfg.Allocator == nil {
		cfg.Allocator = directAllocator{}
	}
	return cfg, nil
}
