// Package partition assigns entity identifiers to map partitions.
//
// The assignment must be stable across processes and runs, so it avoids
// Go's randomized map iteration and any seeded hash: the index is a pure
// function of the identifier's code points and the partition count.
package partition

// Index returns the partition for id out of total partitions. The hash is
// the sum of the identifier's code points, which is deterministic and
// seed-free; identifiers are short hex transponder addresses, so the sum
// spreads them evenly enough across realistic partition counts.
func Index(id string, total int) int {
	if total <= 0 {
		return 0
	}
	sum := 0
	for _, r := range id {
		sum += int(r)
	}
	return sum % total
}

// Select returns the subset of ids owned by the given partition index.
// The union of Select over all indices for a fixed total is the full id
// set with no overlap.
func Select(ids []string, index, total int) []string {
	var owned []string
	for _, id := range ids {
		if Index(id, total) == index {
			owned = append(owned, id)
		}
	}
	return owned
}
