package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skyfeed/aggregator/pkg/model"
)

const (
	defaultWideAreaTimeout = 10 * time.Second
	backoffDuration        = 5 * time.Minute
	responseCacheTTL       = 60 * time.Second

	creditsRemainingKey = "stats:opensky:credits_remaining"
	backoffUntilKey     = "stats:opensky:backoff_until"
)

// GaugeStore is the narrow slice of the cache client the wide-area source
// needs for its credit/backoff gauges: two scalar keys with no TTL, shared
// cooperatively across every region's C5 instance (spec.md §5).
type GaugeStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// WideArea polls a wide-area states endpoint scoped to a bounding box,
// normalizes units at ingestion, and enforces a credit/backoff controller
// that is cooperative across every region sharing the same upstream quota.
type WideArea struct {
	url         string
	anonymous   bool
	username    string
	password    string
	box         model.BoundingBox
	creditTiers []model.CreditTier
	httpClient  *http.Client
	limiter     *rate.Limiter
	gauges      GaugeStore
	logger      *slog.Logger

	mu          sync.Mutex
	cachedAt    time.Time
	cachedBody  []model.Report
	tickCounter int
}

// NewWideArea builds a poller against url, scoped to box. Credentials are
// ignored when anonymous is true. creditTiers is the configured per-area
// credit-cost table (spec.md §4.5/§6's min_bbox_credits_table); a nil or
// empty table falls back to model.DefaultCreditTiers.
func NewWideArea(url string, anonymous bool, username, password string, box model.BoundingBox, creditTiers []model.CreditTier, gauges GaugeStore, logger *slog.Logger) *WideArea {
	if logger == nil {
		logger = slog.Default()
	}
	if len(creditTiers) == 0 {
		creditTiers = model.DefaultCreditTiers()
	}
	return &WideArea{
		url:         url,
		anonymous:   anonymous,
		username:    username,
		password:    password,
		box:         box,
		creditTiers: creditTiers,
		httpClient:  &http.Client{Timeout: defaultWideAreaTimeout},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		gauges:      gauges,
		logger:      logger,
	}
}

func (w *WideArea) ID() string    { return model.SourceOpenSky }
func (w *WideArea) Priority() int { return model.PriorityWideArea }

// creditCost walks the configured tiers in order and returns the cost of the
// first tier whose MaxAreaDeg2 covers areaDeg2, per spec.md §4.5. A tier with
// MaxAreaDeg2 <= 0 has no upper bound and always matches.
func creditCost(areaDeg2 float64, tiers []model.CreditTier) int {
	for _, t := range tiers {
		if t.MaxAreaDeg2 <= 0 || areaDeg2 <= t.MaxAreaDeg2 {
			return t.Cost
		}
	}
	if len(tiers) > 0 {
		return tiers[len(tiers)-1].Cost
	}
	return 0
}

func areaDeg2(b model.BoundingBox) float64 {
	return (b.LaMax - b.LaMin) * (b.LoMax - b.LoMin)
}

// Fetch enforces the backoff window and 60s response cache before issuing a
// network call, and records every observed credit/backoff signal back to
// the shared gauges.
func (w *WideArea) Fetch(ctx context.Context) ([]model.Report, error) {
	w.mu.Lock()
	if !w.cachedAt.IsZero() && time.Since(w.cachedAt) < responseCacheTTL {
		cached := w.cachedBody
		w.mu.Unlock()
		return cached, nil
	}
	w.mu.Unlock()

	backoffUntil, err := w.readBackoffUntil(ctx)
	if err != nil {
		w.logger.Warn("reading opensky backoff gauge failed, proceeding without it", "error", err)
	} else if time.Now().Before(backoffUntil) {
		w.logger.Debug("wide-area source in backoff, skipping network call", "backoff_until", backoffUntil)
		return []model.Report{}, nil
	}

	w.mu.Lock()
	w.tickCounter++
	skipForThrottle := w.tickCounter%2 == 0 && w.isBudgetExhaustionProjected(ctx)
	w.mu.Unlock()
	if skipForThrottle {
		w.logger.Debug("wide-area source throttled to protect daily credit budget")
		return []model.Report{}, nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for wide-area rate limiter: %w", err)
	}

	reports, err := w.doFetch(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.cachedAt = time.Now()
	w.cachedBody = reports
	w.mu.Unlock()

	return reports, nil
}

func (w *WideArea) doFetch(ctx context.Context) ([]model.Report, error) {
	url := fmt.Sprintf("%s?lamin=%f&lomin=%f&lamax=%f&lomax=%f",
		w.url, w.box.LaMin, w.box.LoMin, w.box.LaMax, w.box.LoMax)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building wide-area request: %w", err)
	}
	if !w.anonymous {
		req.SetBasicAuth(w.username, w.password)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling wide-area source: %w", err)
	}
	defer resp.Body.Close()

	w.recordCreditsHeader(ctx, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		until := time.Now().Add(backoffDuration)
		if err := w.gauges.SetWithTTL(ctx, backoffUntilKey, until, 0); err != nil {
			w.logger.Warn("persisting opensky backoff deadline failed", "error", err)
		}
		w.logger.Debug("wide-area source received 429, entering backoff", "backoff_until", until)
		return []model.Report{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wide-area source returned status %d", resp.StatusCode)
	}

	var body wideAreaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding wide-area response: %w", err)
	}

	reports := make([]model.Report, 0, len(body.States))
	for _, vec := range body.States {
		r, ok := convertStateVector(vec)
		if !ok {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (w *WideArea) recordCreditsHeader(ctx context.Context, h http.Header) {
	raw := h.Get("X-Rate-Limit-Remaining")
	if raw == "" {
		return
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	if err := w.gauges.SetWithTTL(ctx, creditsRemainingKey, remaining, 0); err != nil {
		w.logger.Warn("persisting opensky credit gauge failed", "error", err)
	}
}

func (w *WideArea) readBackoffUntil(ctx context.Context) (time.Time, error) {
	raw, ok, err := w.gauges.Get(ctx, backoffUntilKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, fmt.Errorf("decoding backoff gauge: %w", err)
	}
	return t, nil
}

// isBudgetExhaustionProjected estimates whether the last-seen credit gauge
// would hit zero before midnight UTC at the current consumption rate. This
// is advisory: it has no authoritative daily ledger, per spec.md §9.
func (w *WideArea) isBudgetExhaustionProjected(ctx context.Context) bool {
	raw, ok, err := w.gauges.Get(ctx, creditsRemainingKey)
	if err != nil || !ok {
		return false
	}
	var remaining int
	if err := json.Unmarshal(raw, &remaining); err != nil {
		return false
	}

	cost := creditCost(areaDeg2(w.box), w.creditTiers)
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	hoursLeft := midnight.Sub(now).Hours()
	if hoursLeft <= 0 {
		hoursLeft = 1
	}

	// Assume one call per minute at the current cost; if the gauge can't
	// cover the remaining hours of the day at that rate, throttle.
	projectedCalls := hoursLeft * 60
	return float64(remaining) < projectedCalls*float64(cost)
}

// wideAreaResponse mirrors the states-array wire shape: a flat array of
// positional vectors, see spec.md §6.
type wideAreaResponse struct {
	States [][]interface{} `json:"states"`
}

const (
	idxHex = iota
	idxCallsign
	idxCountry
	idxTimePosition
	idxLastContact
	idxLon
	idxLat
	idxBaroAltitudeM
	idxOnGround
	idxVelocityMPS
	idxTrueTrack
	idxVerticalRateMPS
	idxSensors
	idxGeoAltitudeM
	idxSquawk
	idxSPI
	idxPositionSource
)

const (
	metersToFeet       = 3.28084
	mpsToKnots         = 1.94384
	mpsToFeetPerMinute = 196.85
)

// convertStateVector maps one positional vector (indices 0-16) to a Report,
// applying the unit conversions in spec.md §4.5. A vector missing a
// position or hex is dropped.
func convertStateVector(vec []interface{}) (model.Report, bool) {
	if len(vec) <= idxPositionSource {
		return model.Report{}, false
	}

	hex, ok := vec[idxHex].(string)
	if !ok || !model.ValidHex(hex) {
		return model.Report{}, false
	}

	lat, latOK := asFloat(vec[idxLat])
	lon, lonOK := asFloat(vec[idxLon])
	if !latOK || !lonOK {
		return model.Report{}, false
	}

	r := model.Report{
		Hex:        hex,
		Flight:     trimString(vec[idxCallsign]),
		Lat:        &lat,
		Lon:        &lon,
		Squawk:     trimString(vec[idxSquawk]),
		DataSource: model.SourceOpenSky,
	}

	if onGround, ok := vec[idxOnGround].(bool); ok {
		r.OnGround = onGround
	}
	if track, ok := asFloat(vec[idxTrueTrack]); ok {
		r.Track = track
	}
	if v, ok := asFloat(vec[idxVelocityMPS]); ok {
		r.GroundSpeed = v * mpsToKnots
	}
	if vr, ok := asFloat(vec[idxVerticalRateMPS]); ok {
		r.BaroRate = int(vr * mpsToFeetPerMinute)
	}
	if altBaro, ok := asFloat(vec[idxBaroAltitudeM]); ok {
		feet := int(altBaro * metersToFeet)
		r.AltBaro = &feet
	}
	if altGeo, ok := asFloat(vec[idxGeoAltitudeM]); ok {
		feet := int(altGeo * metersToFeet)
		r.AltGeom = &feet
	}
	if lastContact, ok := asFloat(vec[idxLastContact]); ok {
		r.Seen = time.Since(time.Unix(int64(lastContact), 0)).Seconds()
	}

	return r, true
}

func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func trimString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
