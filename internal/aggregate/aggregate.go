// Package aggregate reduces noisy per-aircraft identity observations to a
// single canonical record per ICAO.
//
// Raw traces repeat the same identity attributes thousands of times per day,
// occasionally with contradictory or partially-filled values. Rather than
// majority-vote or latest-wins, the reduction prefers maximal factual
// completeness: a sparse observation that agrees with a fuller one is not
// conflicting evidence, it is a subset of it.
package aggregate

import (
	"slices"
	"strconv"
	"strings"
)

// NumIdentityFields is the size of the identity column set.
const NumIdentityFields = 7

// IdentityColumns lists the identity attribute columns in signature order.
var IdentityColumns = [NumIdentityFields]string{"dbFlags", "ownOp", "year", "desc", "category", "r", "t"}

// Identity holds the identity attributes of one observation. String fields
// use "" as the explicit empty sentinel; integer fields use zero.
type Identity struct {
	DBFlags      int32
	OwnOp        string
	Year         int32
	Desc         string
	Category     string
	Registration string
	TypeCode     string
}

// fieldValues returns the identity attributes as strings in signature order.
// Integer attributes are stringified, so a zero dbFlags participates in the
// signature as "0" the same way the published dataset serializes it.
func (id Identity) fieldValues() [NumIdentityFields]string {
	return [NumIdentityFields]string{
		strconv.FormatInt(int64(id.DBFlags), 10),
		id.OwnOp,
		strconv.FormatInt(int64(id.Year), 10),
		id.Desc,
		id.Category,
		id.Registration,
		id.TypeCode,
	}
}

// Signature is the ordered concatenation of the identity attribute values.
// Two observations with identical attributes (including which are empty)
// share a signature and are interchangeable for aggregation.
func (id Identity) Signature() string {
	vals := id.fieldValues()
	return strings.Join(vals[:], "|")
}

// Observation is one timestamped identity sample extracted from a trace.
type Observation struct {
	TimeMS int64 // unix milliseconds, UTC
	Identity
}

// Record is the canonical identity record for one ICAO.
type Record struct {
	TimeMS int64
	ICAO   string
	Identity
}

type representative struct {
	sig      string
	identity Identity
	minTime  int64
	count    int
}

// nonEmpty returns the (field index, value) pairs whose value is non-empty.
func (r *representative) nonEmpty() map[int]string {
	vals := r.identity.fieldValues()
	pairs := make(map[int]string, NumIdentityFields)
	for i, v := range vals {
		if v != "" {
			pairs[i] = v
		}
	}
	return pairs
}

// Compress reduces all observations for one ICAO into a single canonical
// record. It is a pure function of the observation multiset: the result does
// not depend on input order. Returns false when obs is empty.
func Compress(icao string, obs []Observation) (Record, bool) {
	if len(obs) == 0 {
		return Record{}, false
	}

	// Group by signature, keeping occurrence counts and the earliest
	// timestamp per signature.
	bySig := make(map[string]*representative)
	for _, o := range obs {
		sig := o.Signature()
		rep, ok := bySig[sig]
		if !ok {
			bySig[sig] = &representative{sig: sig, identity: o.Identity, minTime: o.TimeMS, count: 1}
			continue
		}
		rep.count++
		if o.TimeMS < rep.minTime {
			rep.minTime = o.TimeMS
		}
	}

	reps := make([]*representative, 0, len(bySig))
	for _, rep := range bySig {
		reps = append(reps, rep)
	}
	// Deterministic representative order regardless of map iteration and
	// input permutation: earliest timestamp first, signature as tie-break.
	slices.SortFunc(reps, func(a, b *representative) int {
		if a.minTime != b.minTime {
			if a.minTime < b.minTime {
				return -1
			}
			return 1
		}
		return strings.Compare(a.sig, b.sig)
	})

	if len(reps) == 1 {
		return finalize(icao, reps[0]), true
	}

	survivors := filterDominated(reps)
	if len(survivors) == 0 {
		// Cyclic near-equal-completeness configuration: keep the first
		// representative rather than producing nothing.
		survivors = reps[:1]
	}

	chosen := survivors[0]
	for _, rep := range survivors[1:] {
		if rep.count > chosen.count {
			chosen = rep
		}
	}

	return finalize(icao, chosen), true
}

// filterDominated drops every representative whose non-empty attribute set is
// a strict informational subset of another representative's. Quadratic in the
// number of distinct signatures, which stays small for real aircraft even
// across millions of raw samples.
func filterDominated(reps []*representative) []*representative {
	sets := make([]map[int]string, len(reps))
	for i, rep := range reps {
		sets[i] = rep.nonEmpty()
	}

	var kept []*representative
	for i := range reps {
		if !dominated(sets, i) {
			kept = append(kept, reps[i])
		}
	}
	return kept
}

func dominated(sets []map[int]string, i int) bool {
	for j := range sets {
		if i == j {
			continue
		}
		if len(sets[j]) <= len(sets[i]) {
			continue
		}
		subset := true
		for field, val := range sets[i] {
			if sets[j][field] != val {
				subset = false
				break
			}
		}
		if subset {
			return true
		}
	}
	return false
}

func finalize(icao string, rep *representative) Record {
	return Record{
		TimeMS:   rep.minTime,
		ICAO:     icao,
		Identity: rep.identity,
	}
}

// DistinctBySignature reconciles already-aggregated records across chunks or
// runs: group by (ICAO, signature), keep the earliest-timestamped row per
// group. Inputs were compressed upstream to a handful of signatures each, so
// this is a plain distinct-by-key pass, not domination filtering.
func DistinctBySignature(records []Record) []Record {
	type key struct {
		icao string
		sig  string
	}

	index := make(map[key]int, len(records))
	var out []Record
	for _, rec := range records {
		k := key{icao: rec.ICAO, sig: rec.Signature()}
		if at, ok := index[k]; ok {
			if rec.TimeMS < out[at].TimeMS {
				out[at] = rec
			}
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	return out
}

// SortRecords orders records by timestamp, ties broken by ICAO, for
// deterministic diff-friendly artifacts.
func SortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if a.TimeMS != b.TimeMS {
			if a.TimeMS < b.TimeMS {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ICAO, b.ICAO)
	})
}
