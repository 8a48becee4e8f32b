// Package sources implements the per-tick pollers a region schedules: a
// local receiver poll (C4) and a wide-area credit-metered poll (C5). Push
// ingress buffers are not a Source; the scheduler reads them directly.
// Every poller returns a plain
// []model.Report on success and an empty slice plus an error on failure —
// the scheduler decides how an error counts toward stats, no poller
// retries inside a single tick.
package sources

import (
	"context"

	"github.com/skyfeed/aggregator/pkg/model"
)

// Source is implemented by every kind a region can be configured with.
// Fetch is called at most once per scheduler tick per source.
type Source interface {
	// ID identifies the source for blending priority and stats, e.g.
	// "dump1090" or "opensky".
	ID() string

	// Priority is the blend tie-break weight: pi_station=3, local_receiver=2,
	// wide_area=1.
	Priority() int

	// Fetch returns this source's reports for the current tick.
	Fetch(ctx context.Context) ([]model.Report, error)
}
