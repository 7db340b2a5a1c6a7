package aggregate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func obsWith(timeMS int64, reg, typeCode string) Observation {
	return Observation{
		TimeMS: timeMS,
		Identity: Identity{
			Registration: reg,
			TypeCode:     typeCode,
		},
	}
}

func TestCompress_EmptyInput(t *testing.T) {
	_, ok := Compress("ABC123", nil)
	require.False(t, ok)
}

func TestCompress_SingleSignatureUnchanged(t *testing.T) {
	ident := Identity{
		DBFlags:      1,
		OwnOp:        "UNITED AIRLINES INC",
		Year:         1998,
		Desc:         "BOEING 737-700",
		Category:     "A3",
		Registration: "N123UA",
		TypeCode:     "B737",
	}
	obs := []Observation{
		{TimeMS: 300, Identity: ident},
		{TimeMS: 100, Identity: ident},
		{TimeMS: 200, Identity: ident},
	}

	rec, ok := Compress("a1b2c3", obs)
	require.True(t, ok)
	require.Equal(t, "a1b2c3", rec.ICAO)
	require.Equal(t, ident, rec.Identity)
	require.Equal(t, int64(100), rec.TimeMS)
}

func TestCompress_SingleSignatureOrderIndependent(t *testing.T) {
	ident := Identity{Registration: "N456", TypeCode: "C172"}
	obs := []Observation{
		{TimeMS: 5, Identity: ident},
		{TimeMS: 1, Identity: ident},
		{TimeMS: 9, Identity: ident},
		{TimeMS: 3, Identity: ident},
	}

	want, ok := Compress("ae0001", obs)
	require.True(t, ok)

	rng := rand.New(rand.NewSource(42))
	for range 20 {
		shuffled := make([]Observation, len(obs))
		copy(shuffled, obs)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got, ok := Compress("ae0001", shuffled)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

// Scenario A: a sparse row that agrees with a fuller row is dominated by it.
func TestCompress_DominatedRowDiscarded(t *testing.T) {
	row1 := obsWith(100, "N123", "")
	row2 := obsWith(200, "N123", "B738")

	rec, ok := Compress("ABC123", []Observation{row1, row2})
	require.True(t, ok)
	require.Equal(t, "N123", rec.Registration)
	require.Equal(t, "B738", rec.TypeCode)
}

func TestCompress_DominationIgnoresFrequency(t *testing.T) {
	// The sparse signature occurs far more often, but it is still a strict
	// informational subset of the fuller one.
	var obs []Observation
	for i := range 50 {
		obs = append(obs, obsWith(int64(i), "N777", ""))
	}
	obs = append(obs, obsWith(1000, "N777", "B77W"))

	rec, ok := Compress("ad0042", obs)
	require.True(t, ok)
	require.Equal(t, "B77W", rec.TypeCode)
}

// Scenario B: no domination between signatures, highest occurrence count wins.
func TestCompress_FrequencyTieBreak(t *testing.T) {
	var obs []Observation
	for i := range 5 {
		obs = append(obs, obsWith(int64(100+i), "N1", "A320"))
	}
	for i := range 3 {
		obs = append(obs, obsWith(int64(200+i), "N2", "A321"))
	}
	for i := range 2 {
		obs = append(obs, obsWith(int64(300+i), "N3", "A319"))
	}

	rec, ok := Compress("ABC123", obs)
	require.True(t, ok)
	require.Equal(t, "N1", rec.Registration)
	require.Equal(t, "A320", rec.TypeCode)
}

func TestCompress_EqualFrequencyKeepsEarliestRepresentative(t *testing.T) {
	// Conflicting registrations with equal counts: the representative with
	// the earliest timestamp wins deterministically.
	obs := []Observation{
		obsWith(500, "N2", "A321"),
		obsWith(100, "N1", "A320"),
	}

	rec, ok := Compress("ABC123", obs)
	require.True(t, ok)
	require.Equal(t, "N1", rec.Registration)

	// Same result with the input reversed.
	rec2, ok := Compress("ABC123", []Observation{obs[1], obs[0]})
	require.True(t, ok)
	require.Equal(t, rec, rec2)
}

func TestCompress_IdempotentOnOwnOutput(t *testing.T) {
	obs := []Observation{
		obsWith(100, "N123", ""),
		obsWith(200, "N123", "B738"),
		obsWith(300, "N999", "B738"),
	}

	first, ok := Compress("ABC123", obs)
	require.True(t, ok)

	again, ok := Compress("ABC123", []Observation{{TimeMS: first.TimeMS, Identity: first.Identity}})
	require.True(t, ok)
	require.Equal(t, first, again)
}

func TestCompress_DegenerateFallbackKeepsFirst(t *testing.T) {
	// Two rows that conflict on every field with equal completeness: nothing
	// dominates, frequency ties, earliest representative survives.
	a := Observation{TimeMS: 10, Identity: Identity{Registration: "N1", TypeCode: "T1", OwnOp: "OP1"}}
	b := Observation{TimeMS: 20, Identity: Identity{Registration: "N2", TypeCode: "T2", OwnOp: "OP2"}}

	rec, ok := Compress("ABC123", []Observation{b, a})
	require.True(t, ok)
	require.Equal(t, "N1", rec.Registration)
}

func TestSignature_DistinguishesEmptyFromSet(t *testing.T) {
	a := Identity{Registration: "N1", TypeCode: ""}
	b := Identity{Registration: "N1", TypeCode: "B738"}
	c := Identity{Registration: "N1", TypeCode: ""}

	require.NotEqual(t, a.Signature(), b.Signature())
	require.Equal(t, a.Signature(), c.Signature())
}

func TestPartitionedCompressEqualsCombined(t *testing.T) {
	// Concatenating canonical outputs of disjoint ICAO sets must equal
	// aggregating the combined raw input.
	obsA := []Observation{
		obsWith(100, "N100", ""),
		obsWith(150, "N100", "B738"),
	}
	obsB := []Observation{
		obsWith(200, "N200", "A320"),
	}

	recA, ok := Compress("aaa111", obsA)
	require.True(t, ok)
	recB, ok := Compress("bbb222", obsB)
	require.True(t, ok)

	combined := map[string][]Observation{"aaa111": obsA, "bbb222": obsB}
	var recs []Record
	for icao, obs := range combined {
		rec, ok := Compress(icao, obs)
		require.True(t, ok)
		recs = append(recs, rec)
	}

	require.ElementsMatch(t, []Record{recA, recB}, recs)
}

// Scenario D: cross-chunk reconciliation keeps the earlier row per signature.
func TestDistinctBySignature_KeepsEarliest(t *testing.T) {
	ident := Identity{Registration: "N123", TypeCode: "B738"}
	recs := []Record{
		{TimeMS: 2000, ICAO: "ABC123", Identity: ident},
		{TimeMS: 1000, ICAO: "ABC123", Identity: ident},
	}

	out := DistinctBySignature(recs)
	require.Len(t, out, 1)
	require.Equal(t, int64(1000), out[0].TimeMS)
}

func TestDistinctBySignature_DifferentSignaturesSurvive(t *testing.T) {
	recs := []Record{
		{TimeMS: 1000, ICAO: "ABC123", Identity: Identity{Registration: "N1"}},
		{TimeMS: 2000, ICAO: "ABC123", Identity: Identity{Registration: "N2"}},
		{TimeMS: 3000, ICAO: "DEF456", Identity: Identity{Registration: "N1"}},
	}

	out := DistinctBySignature(recs)
	require.Len(t, out, 3)
}

func TestSortRecords_TimeThenICAO(t *testing.T) {
	recs := []Record{
		{TimeMS: 200, ICAO: "bbb"},
		{TimeMS: 100, ICAO: "zzz"},
		{TimeMS: 200, ICAO: "aaa"},
	}

	SortRecords(recs)
	require.Equal(t, "zzz", recs[0].ICAO)
	require.Equal(t, "aaa", recs[1].ICAO)
	require.Equal(t, "bbb", recs[2].ICAO)
}
