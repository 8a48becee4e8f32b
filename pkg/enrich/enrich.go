// Package enrich attaches registry fields to a blended report list and
// classifies helicopters, per spec.md §4.8.
package enrich

import (
	"context"
	"fmt"

	"github.com/skyfeed/aggregator/pkg/model"
	"github.com/skyfeed/aggregator/pkg/registry"
)

// Lookup is the subset of registry.Store's API the enricher depends on,
// narrowed so tests can supply a fake without a live cache client.
type Lookup interface {
	BatchLookup(ctx context.Context, hexes []string) (map[string]model.RegistryEntry, error)
}

var _ Lookup = (*registry.Store)(nil)

// Result is the enriched, classified report list plus the helicopter
// subset C9 writes to {region}:choppers.
type Result struct {
	Reports   []model.Report
	Choppers  []model.Report
	HitCount  int
	MissCount int
}

// Enrich issues one batch_lookup for every hex in reports, merges registry
// fields in place, and computes is_helicopter per the invariant on
// icao_aircraft_class. Reports without a registry entry cannot be
// helicopters, per spec.md §4.8.
func Enrich(ctx context.Context, lookup Lookup, reports []model.Report) (Result, error) {
	hexes := make([]string, len(reports))
	for i, r := range reports {
		hexes[i] = r.Hex
	}

	entries, err := lookup.BatchLookup(ctx, hexes)
	if err != nil {
		return Result{}, fmt.Errorf("enriching %d reports: %w", len(reports), err)
	}

	out := make([]model.Report, len(reports))
	choppers := make([]model.Report, 0)
	hits, misses := 0, 0

	for i, r := range reports {
		entry, ok := entries[r.Hex]
		if ok {
			r.Registration = entry.Registration
			r.Manufacturer = entry.Manufacturer
			r.Model = entry.Model
			r.TypeCode = entry.TypeCode
			r.Operator = entry.Operator
			r.Owner = entry.Owner
			r.ICAOAircraftClass = entry.ICAOAircraftClass
			r.IsHelicopter = entry.IsHelicopter()
			hits++
		} else {
			r.IsHelicopter = false
			misses++
		}

		out[i] = r
		if r.IsHelicopter {
			choppers = append(choppers, r)
		}
	}

	return Result{Reports: out, Choppers: choppers, HitCount: hits, MissCount: misses}, nil
}
