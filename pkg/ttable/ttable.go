// Package ttable declares the travel-time table interface consumed by
// pkg/merge. The table itself is built by an external tool; this
// package only defines the contract.
package ttable

// Table looks up predicted P/S-wave travel time, in seconds, for a
// given source depth and epicentral distance, with receiver depth
// fixed at 0 (surface station). Implementations return NaN for
// combinations outside the table's domain.
type Table interface {
	// Lookup returns one travel time per (sourceDepthKM, distanceDeg)
	// pair; the two slices must be the same length. A NaN result at
	// index i means "undefined" and the corresponding candidate row
	// must be dropped.
	Lookup(sourceDepthKM, distanceDeg []float64) (travelTimeSeconds []float64, err error)
}
