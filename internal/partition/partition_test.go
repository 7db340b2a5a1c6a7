package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndex_Deterministic(t *testing.T) {
	ids := []string{"a1b2c3", "ABC123", "7c6b2d", "", "ae1482"}
	for _, id := range ids {
		first := Index(id, 8)
		for range 100 {
			require.Equal(t, first, Index(id, 8), "index changed across calls for %q", id)
		}
	}
}

func TestIndex_WithinBounds(t *testing.T) {
	for n := 1; n <= 16; n++ {
		for i := range 500 {
			id := fmt.Sprintf("%06x", i*7919)
			idx := Index(id, n)
			require.GreaterOrEqual(t, idx, 0)
			require.Less(t, idx, n)
		}
	}
}

func TestIndex_NonPositiveTotal(t *testing.T) {
	require.Equal(t, 0, Index("abc", 0))
	require.Equal(t, 0, Index("abc", -3))
}

func TestSelect_PartitionsCoverAllIDsExactlyOnce(t *testing.T) {
	var ids []string
	for i := range 1000 {
		ids = append(ids, fmt.Sprintf("%06x", i))
	}

	for _, total := range []int{1, 2, 4, 7} {
		seen := make(map[string]int)
		for idx := range total {
			for _, id := range Select(ids, idx, total) {
				seen[id]++
			}
		}

		require.Len(t, seen, len(ids), "total=%d", total)
		for id, count := range seen {
			require.Equal(t, 1, count, "id %q appeared %d times for total=%d", id, count, total)
		}
	}
}

func TestSelect_EmptyPartitionIsNotAnError(t *testing.T) {
	// One id, many partitions: most partitions own nothing.
	owned := 0
	for idx := range 64 {
		if len(Select([]string{"a00001"}, idx, 64)) > 0 {
			owned++
		}
	}
	require.Equal(t, 1, owned)
}
