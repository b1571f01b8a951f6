package bytepipe

import "math"

// float32bits/float32frombits/float64bits/float64frombits delegate to the
// standard library: IEEE-754 bit conversion has exactly one correct
// implementation, so there is no third-party codec to prefer here (see
// DESIGN.md).
func float32bits(v float32) uint32     { return math.Float32bits(v) }
func float32frombits(v uint32) float32 { return math.Float32frombits(v) }
func float64bits(v float64) uint64     { return math.Float64bits(v) }
func float64frombits(v uint64) float64 { return math.Float64frombits(v) }
