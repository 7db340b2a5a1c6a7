// Package columnar defines the fixed intermediate schema shared by map-stage
// output and per-partition compressed output, and a parquet-backed writer
// with a bounded in-memory buffer.
package columnar

import (
	"github.com/openairframes/tracepipe/internal/aggregate"
)

// Row is one normalized observation. The column set is fixed: absent values
// are carried as explicit empty sentinels (strings) or nil (nullable
// numerics), never dropped from the row shape.
type Row struct {
	TimeMS       int64  `parquet:"time"`
	ICAO         string `parquet:"icao,dict"`
	Registration string `parquet:"r,dict"`
	TypeCode     string `parquet:"t,dict"`
	DBFlags      int32  `parquet:"db_flags"`
	NoRegData    bool   `parquet:"no_reg_data"`
	OwnOp        string `parquet:"own_op,dict"`
	Year         int32  `parquet:"year"`
	Desc         string `parquet:"desc,dict"`

	Lat          *float64 `parquet:"lat,optional"`
	Lon          *float64 `parquet:"lon,optional"`
	AltBaro      *int32   `parquet:"alt_baro,optional"`
	OnGround     bool     `parquet:"on_ground"`
	GroundSpeed  *float32 `parquet:"ground_speed,optional"`
	TrackDegrees *float32 `parquet:"track_degrees,optional"`
	Flags        int32    `parquet:"flags"`
	VerticalRate *int32   `parquet:"vertical_rate,optional"`

	Source                string   `parquet:"source,dict"`
	GeometricAltitude     *int32   `parquet:"geometric_altitude,optional"`
	GeometricVerticalRate *int32   `parquet:"geometric_vertical_rate,optional"`
	IndicatedAirspeed     *int32   `parquet:"indicated_airspeed,optional"`
	RollAngle             *float32 `parquet:"roll_angle,optional"`

	Category  string   `parquet:"aircraft_category,dict"`
	Flight    string   `parquet:"aircraft_flight"`
	Squawk    string   `parquet:"aircraft_squawk"`
	Emergency string   `parquet:"aircraft_emergency"`
	NavModes  []string `parquet:"aircraft_nav_modes,list"`

	DataSource string `parquet:"data_source,dict"`
}

// Identity extracts the identity attribute subset used for aggregation.
func (r Row) Identity() aggregate.Identity {
	return aggregate.Identity{
		DBFlags:      r.DBFlags,
		OwnOp:        r.OwnOp,
		Year:         r.Year,
		Desc:         r.Desc,
		Category:     r.Category,
		Registration: r.Registration,
		TypeCode:     r.TypeCode,
	}
}

// Observation converts the row into an aggregation input.
func (r Row) Observation() aggregate.Observation {
	return aggregate.Observation{
		TimeMS:   r.TimeMS,
		Identity: r.Identity(),
	}
}

// FromRecord builds a canonical row from an aggregation output. Kinematic
// columns stay at their empty sentinels; the column set is unchanged so
// per-partition compressed output round-trips through the same schema.
func FromRecord(rec aggregate.Record, dataSource string) Row {
	return Row{
		TimeMS:       rec.TimeMS,
		ICAO:         rec.ICAO,
		Registration: rec.Registration,
		TypeCode:     rec.TypeCode,
		DBFlags:      rec.DBFlags,
		OwnOp:        rec.OwnOp,
		Year:         rec.Year,
		Desc:         rec.Desc,
		Category:     rec.Category,
		DataSource:   dataSource,
	}
}
