// Package trace parses raw per-aircraft trace documents into normalized
// observation rows and discovers trace files in extracted archives.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/openairframes/tracepipe/internal/columnar"
)

// document is one entity's full trace for one day: static identity fields, a
// base timestamp, and an array of sample tuples.
type document struct {
	ICAO         string            `json:"icao"`
	Registration string            `json:"r"`
	TypeCode     string            `json:"t"`
	DBFlags      int32             `json:"dbFlags"`
	NoRegData    bool              `json:"noRegData"`
	OwnOp        string            `json:"ownOp"`
	Year         any               `json:"year"`
	Desc         string            `json:"desc"`
	Timestamp    *float64          `json:"timestamp"`
	Trace        []json.RawMessage `json:"trace"`
}

// sample tuple indices, per the upstream trace format.
const (
	idxOffset = iota
	idxLat
	idxLon
	idxAltitude
	idxGroundSpeed
	idxTrack
	idxFlags
	idxVerticalRate
	idxAircraft
	idxSource
	idxGeomAltitude
	idxGeomVerticalRate
	idxIAS
	idxRoll
)

// ParseFile reads one trace document (gzip-compressed or plain JSON) and
// returns its normalized rows. A document missing icao, timestamp, or the
// sample array yields zero rows and no error.
func ParseFile(path, dataSource string) ([]columnar.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	rows, err := ParseDocument(r, dataSource)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}

// ParseDocument decodes one trace document into zero or more rows, one per
// sample, each carrying the document's identity fields alongside the
// per-sample kinematic data.
func ParseDocument(r io.Reader, dataSource string) ([]columnar.Row, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	if doc.ICAO == "" || doc.Timestamp == nil || doc.Trace == nil {
		return nil, nil
	}

	base := columnar.Row{
		ICAO:         doc.ICAO,
		Registration: doc.Registration,
		TypeCode:     doc.TypeCode,
		DBFlags:      doc.DBFlags,
		NoRegData:    doc.NoRegData,
		OwnOp:        doc.OwnOp,
		Year:         parseYear(doc.Year),
		Desc:         doc.Desc,
		DataSource:   dataSource,
	}

	rows := make([]columnar.Row, 0, len(doc.Trace))
	for _, raw := range doc.Trace {
		var sample []any
		if err := json.Unmarshal(raw, &sample); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		rows = append(rows, sampleRow(base, *doc.Timestamp, sample))
	}
	return rows, nil
}

func sampleRow(base columnar.Row, baseTimestamp float64, sample []any) columnar.Row {
	row := base

	at := func(i int) any {
		if i < len(sample) {
			return sample[i]
		}
		return nil
	}

	offset, _ := asFloat(at(idxOffset))
	row.TimeMS = int64(math.Round((baseTimestamp + offset) * 1000))

	row.Lat = floatPtr(at(idxLat))
	row.Lon = floatPtr(at(idxLon))

	// A sentinel "ground" altitude yields the on-ground flag with no numeric
	// altitude; fractional altitudes are truncated.
	switch alt := at(idxAltitude).(type) {
	case string:
		if alt == "ground" {
			row.OnGround = true
		}
	case float64:
		v := int32(alt)
		row.AltBaro = &v
	}

	row.GroundSpeed = float32Ptr(at(idxGroundSpeed))
	row.TrackDegrees = float32Ptr(at(idxTrack))
	if flags, ok := asFloat(at(idxFlags)); ok {
		row.Flags = int32(flags)
	}
	row.VerticalRate = int32Ptr(at(idxVerticalRate))
	if src, ok := at(idxSource).(string); ok {
		row.Source = src
	}
	row.GeometricAltitude = int32Ptr(at(idxGeomAltitude))
	row.GeometricVerticalRate = int32Ptr(at(idxGeomVerticalRate))
	row.IndicatedAirspeed = int32Ptr(at(idxIAS))
	row.RollAngle = float32Ptr(at(idxRoll))

	if aircraft, ok := at(idxAircraft).(map[string]any); ok {
		row.Category = stringField(aircraft, "category")
		row.Flight = stringField(aircraft, "flight")
		row.Squawk = stringField(aircraft, "squawk")
		row.Emergency = stringField(aircraft, "emergency")
		row.NavModes = stringList(aircraft, "nav_modes")
	}

	return row
}

// parseYear coerces the document's year field, which arrives as a string in
// current exports but was numeric historically. Absent or invalid years
// collapse to the zero sentinel.
func parseYear(v any) int32 {
	switch y := v.(type) {
	case string:
		n, err := strconv.Atoi(y)
		if err != nil {
			return 0
		}
		return int32(n)
	case float64:
		return int32(y)
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func floatPtr(v any) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

func float32Ptr(v any) *float32 {
	if f, ok := v.(float64); ok {
		f32 := float32(f)
		return &f32
	}
	return nil
}

func int32Ptr(v any) *int32 {
	if f, ok := v.(float64); ok {
		i := int32(f)
		return &i
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func stringList(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
