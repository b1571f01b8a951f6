package bytepipe

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain asserts no goroutine parked on a slot (or spawned by a join)
// survives past the end of the test suite — the Go realization of spec.md
// §8's invariant that no suspended reader or writer remains parked after
// close().
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
