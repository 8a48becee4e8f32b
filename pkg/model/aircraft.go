// Package model defines the shared data types passed between the collection
// sources, the blender, the enricher, and the cache layer.
package model

import (
	"regexp"
	"time"
)

// hexPattern matches a normalized, lowercase 24-bit ICAO address.
var hexPattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

// Source priority, used by the blender to pick a winner within a hex group.
// Higher wins.
const (
	PriorityWideArea     = 1
	PriorityLocalReceiver = 2
	PriorityPiStation     = 3
)

// Data source tags carried on a published report.
const (
	SourceDump1090 = "dump1090"
	SourceOpenSky  = "opensky"
	SourceBlended  = "blended"
	// PiStationPrefix is prepended to a station id to form its data_source tag,
	// e.g. "pi_station:ETEX01".
	PiStationPrefix = "pi_station:"
)

// Report is one normalized aircraft position report, either as received from
// a single source or as the blended result of a cycle.
type Report struct {
	// Identity
	Hex    string `json:"hex"`
	Flight string `json:"flight,omitempty"`

	// Kinematics. Lat/Lon/AltBaro/AltGeom are pointers because a source may
	// report a hex with no position yet (not yet acquired, or on the ground
	// with no GPS fix).
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	AltBaro     *int     `json:"alt_baro,omitempty"`
	AltGeom     *int     `json:"alt_geom,omitempty"`
	GroundSpeed float64  `json:"gs,omitempty"`
	Track       float64  `json:"track,omitempty"`
	BaroRate    int      `json:"baro_rate,omitempty"`
	OnGround    bool     `json:"on_ground,omitempty"`

	// Link quality
	RSSI     *float64 `json:"rssi,omitempty"`
	Messages int      `json:"messages,omitempty"`
	Seen     float64  `json:"seen"`

	// Provenance
	DataSource string `json:"data_source"`

	// Derived
	DistanceMiles float64 `json:"distance_miles"`
	Squawk        string  `json:"squawk,omitempty"`

	// Enrichment, populated by pkg/enrich.
	Registration      string `json:"registration,omitempty"`
	Model             string `json:"model,omitempty"`
	Manufacturer      string `json:"manufacturer,omitempty"`
	Operator          string `json:"operator,omitempty"`
	Owner             string `json:"owner,omitempty"`
	TypeCode          string `json:"typecode,omitempty"`
	AircraftType      string `json:"aircraft_type,omitempty"`
	ICAOAircraftClass string `json:"icao_aircraft_class,omitempty"`

	// Classification
	IsHelicopter bool `json:"is_helicopter"`

	// sourceID is the contributing source's identifier, not published on the
	// blended record but used internally during blending/tie-breaking.
	sourceID string
}

// SourceID returns the contributing source id used for tie-breaking during
// blending. It is not serialized.
func (r *Report) SourceID() string { return r.sourceID }

// SetSourceID tags a raw (pre-blend) report with the source that produced it.
func (r *Report) SetSourceID(id string) { r.sourceID = id }

// ValidHex reports whether hex is a normalized, lowercase 6-hex-digit ICAO
// address, per spec.md §3's invariant.
func ValidHex(hex string) bool {
	return hexPattern.MatchString(hex)
}

// HasPosition reports whether the report carries a usable lat/lon pair.
func (r *Report) HasPosition() bool {
	return r.Lat != nil && r.Lon != nil
}

// BoundingBox is a lat/lon rectangle, widened by the region's safety margin.
type BoundingBox struct {
	LaMin, LoMin, LaMax, LoMax float64
}

// Contains reports whether (lat, lon) falls within the box, inclusive of the
// boundary (spec.md §8: a point exactly on the box is accepted).
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.LaMin && lat <= b.LaMax && lon >= b.LoMin && lon <= b.LoMax
}

// Region is a configured collection area.
type Region struct {
	ID          string
	Name        string
	CenterLat   float64
	CenterLon   float64
	RadiusMiles float64
	Timezone    string
	Sources     []SourceDescriptor
}

// SourceKind tags which of the three source shapes a descriptor carries.
type SourceKind string

const (
	KindLocalReceiver SourceKind = "local_receiver"
	KindWideArea      SourceKind = "wide_area"
	KindPush          SourceKind = "push"
)

// SourceDescriptor configures one of a region's sources. Exactly the fields
// relevant to Kind are meaningful; the rest are zero.
type SourceDescriptor struct {
	Kind SourceKind
	ID   string

	// local_receiver / wide_area
	URL          string
	PollInterval time.Duration

	// wide_area
	Anonymous         bool
	Username          string
	Password          string
	MinBBoxCredits    []CreditTier

	// push
	AcceptRegion     string
	SharedSecret     string
	StationBufferTTL time.Duration
}

// CreditTier maps a bounding-box area (deg²) upper bound to its credit cost,
// per spec.md §4.5.
type CreditTier struct {
	MaxAreaDeg2 float64
	Cost        int
}

// DefaultCreditTiers is the credit table from spec.md §4.5: 0–25→1, 25–100→2,
// 100–400→3, >400→4.
func DefaultCreditTiers() []CreditTier {
	return []CreditTier{
		{MaxAreaDeg2: 25, Cost: 1},
		{MaxAreaDeg2: 100, Cost: 2},
		{MaxAreaDeg2: 400, Cost: 3},
		{MaxAreaDeg2: -1, Cost: 4}, // -1 = no upper bound
	}
}

// RegistryEntry is one row of the aircraft registry, keyed by hex.
type RegistryEntry struct {
	Hex               string `json:"hex"`
	Registration      string `json:"registration,omitempty"`
	Manufacturer      string `json:"manufacturer,omitempty"`
	Model             string `json:"model,omitempty"`
	TypeCode          string `json:"typecode,omitempty"`
	Operator          string `json:"operator,omitempty"`
	Owner             string `json:"owner,omitempty"`
	ICAOAircraftClass string `json:"icao_aircraft_class,omitempty"`
}

// IsHelicopter reports whether the registry's aircraft class marks a
// helicopter: class begins with 'h' or 'H'. No other heuristic is used,
// per spec.md §3's invariant.
func (e RegistryEntry) IsHelicopter() bool {
	return len(e.ICAOAircraftClass) > 0 && (e.ICAOAircraftClass[0] == 'H' || e.ICAOAircraftClass[0] == 'h')
}
