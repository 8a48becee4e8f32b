// Package blend merges per-source report lists into one deduplicated,
// provenance-tagged list per region, per spec.md §4.7. The algorithm is
// pure: same input always yields the same output, independent of
// wall-clock time once the caller has already excluded stale push
// snapshots.
package blend

import (
	"sort"

	"github.com/skyfeed/aggregator/pkg/geo"
	"github.com/skyfeed/aggregator/pkg/model"
)

// SourceInput is one source's contribution to a cycle: its reports and the
// priority that decides ties within a hex group, per spec.md §4.7
// (pi_station=3, local_receiver=2, wide_area=1).
type SourceInput struct {
	SourceID string
	Priority int
	Reports  []model.Report
}

// Result is the blended output plus the side-channel counters spec.md §4.7
// and §4.10 need for stats (dedup ratio) without re-deriving them from the
// published list.
type Result struct {
	Reports []model.Report

	// TotalInputReports is the sum of every report received across all
	// inputs, before any filtering.
	TotalInputReports int

	// DedupedGroups is the number of hex groups that had >= 2 distinct
	// contributing sources and were therefore tagged "blended".
	DedupedGroups int
}

type candidate struct {
	report   model.Report
	priority int
	sourceID string
}

// Blend merges inputs into one record per hex, clipped to the region's
// bounding box, sorted by (distance_miles asc, hex asc).
func Blend(region model.Region, box model.BoundingBox, inputs []SourceInput) Result {
	groups := make(map[string][]candidate)
	total := 0

	for _, in := range inputs {
		for _, r := range in.Reports {
			total++

			if !model.ValidHex(r.Hex) {
				continue
			}
			if !r.HasPosition() {
				continue
			}
			if !box.Contains(*r.Lat, *r.Lon) {
				continue
			}

			r.DistanceMiles = geo.DistanceMiles(region.CenterLat, region.CenterLon, *r.Lat, *r.Lon)
			r.SetSourceID(in.SourceID)

			groups[r.Hex] = append(groups[r.Hex], candidate{
				report:   r,
				priority: in.Priority,
				sourceID: in.SourceID,
			})
		}
	}

	out := make([]model.Report, 0, len(groups))
	dedupedGroups := 0

	for _, cands := range groups {
		contributingSources := make(map[string]bool, len(cands))
		for _, c := range cands {
			contributingSources[c.sourceID] = true
		}

		winner := pickWinner(cands).report
		if len(contributingSources) >= 2 {
			winner.DataSource = model.SourceBlended
			dedupedGroups++
		}

		out = append(out, winner)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMiles != out[j].DistanceMiles {
			return out[i].DistanceMiles < out[j].DistanceMiles
		}
		return out[i].Hex < out[j].Hex
	})

	return Result{
		Reports:           out,
		TotalInputReports: total,
		DedupedGroups:     dedupedGroups,
	}
}

// pickWinner selects the winning candidate within a hex group: highest
// priority, then smaller seen, then larger messages, then lexicographically
// smaller source id — deterministic, per spec.md §4.7 step 3.
func pickWinner(cands []candidate) candidate {
	winner := cands[0]
	for _, c := range cands[1:] {
		if beats(c, winner) {
			winner = c
		}
	}
	return winner
}

func beats(a, b candidate) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.report.Seen != b.report.Seen {
		return a.report.Seen < b.report.Seen
	}
	if a.report.Messages != b.report.Messages {
		return a.report.Messages > b.report.Messages
	}
	return a.sourceID < b.sourceID
}
