package model

// Batch is the tabular, move-by-value container stages pass to one
// another. It is intentionally just a slice: Go's slices are
// already copy-on-write-friendly when callers treat them as immutable
// and re-slice/append rather than mutate in place, which is the
// discipline every stage in this module follows: workers return new
// slices to the driver rather than mutating a shared one in place.
type Batch[T any] []T
