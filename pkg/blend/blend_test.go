package blend

import (
	"testing"

	"github.com/skyfeed/aggregator/pkg/geo"
	"github.com/skyfeed/aggregator/pkg/model"
)

func ptr(f float64) *float64 { return &f }

func testRegion() model.Region {
	return model.Region{
		ID: "r1", CenterLat: 32.3513, CenterLon: -95.3011, RadiusMiles: 150,
	}
}

func testBox() model.BoundingBox {
	return geo.BoundingBox(32.3513, -95.3011, 150)
}

func TestBlendS1SingleSource(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{
			SourceID: "dump1090",
			Priority: model.PriorityLocalReceiver,
			Reports: []model.Report{
				{Hex: "a1b2c3", Flight: "UAL123", Lat: ptr(32.4), Lon: ptr(-95.3), DataSource: model.SourceDump1090, Seen: 0.5},
			},
		},
	}

	result := Blend(region, box, inputs)

	if len(result.Reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(result.Reports))
	}
	got := result.Reports[0]
	if got.DataSource != model.SourceDump1090 {
		t.Errorf("DataSource = %q, want %q", got.DataSource, model.SourceDump1090)
	}
	if diff := got.DistanceMiles - 3.38; diff > 0.01 || diff < -0.01 {
		t.Errorf("DistanceMiles = %.4f, want ~3.38", got.DistanceMiles)
	}
	if result.DedupedGroups != 0 {
		t.Errorf("DedupedGroups = %d, want 0 for a single-source group", result.DedupedGroups)
	}
}

func TestBlendS2TwoSourcesSameHex(t *testing.T) {
	region := testRegion()
	box := testBox()

	local := model.Report{
		Hex: "a1b2c3", Flight: "UAL123", Lat: ptr(32.4), Lon: ptr(-95.3),
		DataSource: model.SourceDump1090, Seen: 0.5, GroundSpeed: 450, Track: 270,
	}
	wideArea := model.Report{
		Hex: "a1b2c3", Lat: ptr(32.41), Lon: ptr(-95.29),
		DataSource: model.SourceOpenSky, Seen: 5, GroundSpeed: 450,
	}

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{local}},
		{SourceID: "opensky", Priority: model.PriorityWideArea, Reports: []model.Report{wideArea}},
	}

	result := Blend(region, box, inputs)

	if len(result.Reports) != 1 {
		t.Fatalf("expected 1 blended report, got %d", len(result.Reports))
	}
	got := result.Reports[0]
	if got.DataSource != model.SourceBlended {
		t.Errorf("DataSource = %q, want %q", got.DataSource, model.SourceBlended)
	}
	if got.Track != 270 {
		t.Errorf("Track = %v, want the local-receiver (winning) source's value 270", got.Track)
	}
	if result.DedupedGroups != 1 {
		t.Errorf("DedupedGroups = %d, want 1", result.DedupedGroups)
	}
}

func TestBlendDropsInvalidHex(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{
			{Hex: "ZZZZZZ", Lat: ptr(32.4), Lon: ptr(-95.3)},
		}},
	}

	result := Blend(region, box, inputs)
	if len(result.Reports) != 0 {
		t.Errorf("expected invalid hex to be dropped, got %d reports", len(result.Reports))
	}
}

func TestBlendDropsNoPosition(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{
			{Hex: "a1b2c3"},
		}},
	}

	result := Blend(region, box, inputs)
	if len(result.Reports) != 0 {
		t.Errorf("expected report with no position to be dropped, got %d reports", len(result.Reports))
	}
}

func TestBlendDropsOutOfBoundingBox(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{
			{Hex: "a1b2c3", Lat: ptr(70), Lon: ptr(10)},
		}},
	}

	result := Blend(region, box, inputs)
	if len(result.Reports) != 0 {
		t.Errorf("expected out-of-bbox report to be dropped, got %d reports", len(result.Reports))
	}
}

func TestBlendBoundaryPointIsAccepted(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{
			{Hex: "a1b2c3", Lat: ptr(box.LaMax), Lon: ptr(box.LoMax)},
		}},
	}

	result := Blend(region, box, inputs)
	if len(result.Reports) != 1 {
		t.Errorf("expected a point exactly on the bounding box to be accepted, got %d reports", len(result.Reports))
	}
}

func TestBlendTieBreakOrder(t *testing.T) {
	region := testRegion()
	box := testBox()

	// Two same-priority candidates in the same group: "seen" breaks the
	// tie first (smaller wins).
	inputs := []SourceInput{
		{SourceID: "station_b", Priority: model.PriorityPiStation, Reports: []model.Report{
			{Hex: "a1b2c3", Lat: ptr(32.4), Lon: ptr(-95.3), Seen: 2, Messages: 10, DataSource: "pi_station:station_b"},
		}},
		{SourceID: "station_a", Priority: model.PriorityPiStation, Reports: []model.Report{
			{Hex: "a1b2c3", Lat: ptr(32.4), Lon: ptr(-95.3), Seen: 1, Messages: 5, DataSource: "pi_station:station_a"},
		}},
	}

	result := Blend(region, box, inputs)
	if len(result.Reports) != 1 {
		t.Fatalf("expected 1 blended report, got %d", len(result.Reports))
	}
	if result.Reports[0].SourceID() != "station_a" {
		t.Errorf("winner = %q, want station_a (smaller seen)", result.Reports[0].SourceID())
	}
}

func TestBlendSortOrder(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{
			{Hex: "b2c3d4", Lat: ptr(32.45), Lon: ptr(-95.3)},
			{Hex: "a1b2c3", Lat: ptr(32.4), Lon: ptr(-95.3)},
		}},
	}

	result := Blend(region, box, inputs)
	if len(result.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(result.Reports))
	}
	if result.Reports[0].DistanceMiles > result.Reports[1].DistanceMiles {
		t.Errorf("reports not sorted by distance ascending: %+v", result.Reports)
	}
}

func TestBlendIsDeterministic(t *testing.T) {
	region := testRegion()
	box := testBox()

	inputs := []SourceInput{
		{SourceID: "dump1090", Priority: model.PriorityLocalReceiver, Reports: []model.Report{
			{Hex: "a1b2c3", Lat: ptr(32.4), Lon: ptr(-95.3), Seen: 1},
		}},
		{SourceID: "opensky", Priority: model.PriorityWideArea, Reports: []model.Report{
			{Hex: "a1b2c3", Lat: ptr(32.41), Lon: ptr(-95.29), Seen: 5},
		}},
	}

	first := Blend(region, box, inputs)
	second := Blend(region, box, inputs)

	if len(first.Reports) != len(second.Reports) {
		t.Fatalf("non-deterministic report count: %d vs %d", len(first.Reports), len(second.Reports))
	}
	for i := range first.Reports {
		if first.Reports[i] != second.Reports[i] {
			t.Errorf("non-deterministic output at index %d: %+v vs %+v", i, first.Reports[i], second.Reports[i])
		}
	}
}
