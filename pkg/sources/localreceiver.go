package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/skyfeed/aggregator/pkg/model"
)

const (
	defaultLocalReceiverTimeout   = 10 * time.Second
	defaultLocalReceiverStaleness = 60 * time.Second
)

// LocalReceiver polls a dump1090-compatible aircraft.json endpoint once per
// tick. It performs no retries: a transport or decode failure returns an
// error and an empty report list, and the caller's log line is the only
// record of the failure.
type LocalReceiver struct {
	url        string
	httpClient *http.Client
	staleness  time.Duration
}

// NewLocalReceiver builds a poller against url (the receiver's aircraft.json
// endpoint). staleness bounds how old a record's "seen" field may be before
// it is dropped; zero selects the 60s default.
func NewLocalReceiver(url string, staleness time.Duration) *LocalReceiver {
	if staleness <= 0 {
		staleness = defaultLocalReceiverStaleness
	}
	return &LocalReceiver{
		url:        url,
		httpClient: &http.Client{Timeout: defaultLocalReceiverTimeout},
		staleness:  staleness,
	}
}

func (l *LocalReceiver) ID() string    { return model.SourceDump1090 }
func (l *LocalReceiver) Priority() int { return model.PriorityLocalReceiver }

type dump1090Response struct {
	Aircraft []dump1090Aircraft `json:"aircraft"`
}

// dump1090Aircraft mirrors the wire shapes seen across the retrieved
// receiver firmwares: alt_baro and alt_geom may arrive as a number or the
// literal string "ground", so both are decoded via json.Number-friendly
// interface{} fields and normalized in convert.
type dump1090Aircraft struct {
	Hex         string      `json:"hex"`
	Flight      string      `json:"flight"`
	Lat         *float64    `json:"lat"`
	Lon         *float64    `json:"lon"`
	AltBaro     interface{} `json:"alt_baro"`
	AltGeom     interface{} `json:"alt_geom"`
	GroundSpeed float64     `json:"gs"`
	Track       float64     `json:"track"`
	BaroRate    int         `json:"baro_rate"`
	RSSI        *float64    `json:"rssi"`
	Messages    int         `json:"messages"`
	Seen        float64     `json:"seen"`
	Squawk      string      `json:"squawk"`
}

// Fetch performs exactly one HTTP GET and returns the normalized, filtered
// report list.
func (l *LocalReceiver) Fetch(ctx context.Context) ([]model.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building local receiver request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling local receiver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local receiver returned status %d", resp.StatusCode)
	}

	var body dump1090Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding local receiver response: %w", err)
	}

	reports := make([]model.Report, 0, len(body.Aircraft))
	for _, a := range body.Aircraft {
		r, ok := l.convert(a)
		if !ok {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (l *LocalReceiver) convert(a dump1090Aircraft) (model.Report, bool) {
	hex := strings.ToLower(strings.TrimSpace(a.Hex))
	if !model.ValidHex(hex) {
		return model.Report{}, false
	}
	if time.Duration(a.Seen*float64(time.Second)) > l.staleness {
		return model.Report{}, false
	}

	r := model.Report{
		Hex:         hex,
		Flight:      strings.TrimSpace(a.Flight),
		Lat:         a.Lat,
		Lon:         a.Lon,
		GroundSpeed: a.GroundSpeed,
		Track:       a.Track,
		BaroRate:    a.BaroRate,
		RSSI:        a.RSSI,
		Messages:    a.Messages,
		Seen:        a.Seen,
		Squawk:      strings.TrimSpace(a.Squawk),
		DataSource:  model.SourceDump1090,
	}

	if alt, onGround, ok := parseAltitudeField(a.AltGeom); ok {
		r.AltGeom = alt
		r.OnGround = r.OnGround || onGround
	}
	if alt, onGround, ok := parseAltitudeField(a.AltBaro); ok {
		r.AltBaro = alt
		r.OnGround = r.OnGround || onGround
	}

	return r, true
}

// parseAltitudeField coerces a dump1090 altitude field, which may be a JSON
// number or the literal string "ground", into (feet, on_ground, ok).
func parseAltitudeField(v interface{}) (*int, bool, bool) {
	switch val := v.(type) {
	case float64:
		feet := int(val)
		return &feet, false, true
	case string:
		if val == "ground" {
			zero := 0
			return &zero, true, true
		}
		return nil, false, false
	default:
		return nil, false, false
	}
}
