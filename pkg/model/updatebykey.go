package model

// UpdateByKey updates the id column of a left batch from a right
// batch keyed by natural columns. left and right are joined on the
// key extracted by key; for
// every left row whose key matches a right row, apply sets the left
// row (by index) to its updated form using the matched right row.
// Left rows with no match in right are left untouched. The result
// preserves left's order and length. The channels stage uses it for
// its station_id and channel_id joins, each with a different apply.
func UpdateByKey[L any, R any, K comparable](left []L, right []R, leftKey func(L) K, rightKey func(R) K, apply func(L, R) L) []L {
	index := make(map[K]R, len(right))
	for _, r := range right {
		index[rightKey(r)] = r
	}
	out := make([]L, len(left))
	for i, l := range left {
		if r, ok := index[leftKey(l)]; ok {
			out[i] = apply(l, r)
		} else {
			out[i] = l
		}
	}
	return out
}

// DedupByKey drops rows whose key has already been seen, keeping the
// first occurrence. Used by the events stage.
func DedupByKey[T any, K comparable](rows []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(rows))
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		k := key(row)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}
