package bytepipe

import "sync/atomic"

// closedMarker is a one-shot sticky close record (C4). None -> Some(cause)
// is a single CAS; once set it never changes again, even if a later
// close()/cancel() supplies a different cause.
type closedMarker struct {
	cause atomic.Pointer[error]
}

// set attempts to transition from unset to closed with the given cause
// (nil for a normal close). Returns true if this call won the race and
// installed the cause; false if the marker was already closed.
func (m *closedMarker) set(cause error) bool {
	wrapped := wrapCause(cause)
	return m.cause.CompareAndSwap(nil, &wrapped)
}

// isSet reports whether the marker has been closed.
func (m *closedMarker) isSet() bool {
	return m.cause.Load() != nil
}

// get returns the sticky cause (nil cause with ok=true means a normal,
// cause-free close; ok=false means not closed at all).
func (m *closedMarker) get() (cause error, ok bool) {
	p := m.cause.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}
