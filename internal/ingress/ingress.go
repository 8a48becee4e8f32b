// Package ingress is the push ingress HTTP server (C6): one authenticated
// endpoint per configured pi-station region, writing survivors straight to
// the push buffer. It never merges, enriches, or blends — that is the
// scheduler's job on its next tick. Adapted from the teacher's chi-based
// web server (cmd/web-server/main.go): the router, middleware stack, and
// CORS wiring survive, the auth/aircraft/telescope route tree does not.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/skyfeed/aggregator/internal/errs"
	"github.com/skyfeed/aggregator/pkg/model"
)

// BufferWriter is the narrow slice of the cache client ingress depends on:
// one pipelined write per push, keyed and TTL'd by the caller.
type BufferWriter interface {
	SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// RegionSecret maps a region id to the shared secret its pi-stations push
// with, and the buffer TTL to apply to that region's writes.
type RegionSecret struct {
	Secret    string
	BufferTTL time.Duration
}

// Server is the push ingress HTTP server.
type Server struct {
	router            chi.Router
	cache             BufferWriter
	regions           map[string]RegionSecret
	maxRecordsPerPush int
	logger            *slog.Logger
}

// NewServer builds the ingress router. maxRecordsPerPush of 0 selects the
// 10,000-record default from spec.md §4.6.
func NewServer(cache BufferWriter, regions map[string]RegionSecret, maxRecordsPerPush int, logger *slog.Logger) *Server {
	if maxRecordsPerPush <= 0 {
		maxRecordsPerPush = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:            chi.NewRouter(),
		cache:             cache,
		regions:           regions,
		maxRecordsPerPush: maxRecordsPerPush,
		logger:            logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router.(*chi.Mux)

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/push/{region}/{station}", s.handlePush)
}

// pushRequest is the wire shape a pi-station posts, per spec.md §6:
// station_id/station_name/timestamp identify the push, aircraft carries the
// observed records, and metadata is an opaque passthrough the station may
// attach (e.g. software version) that ingress neither validates nor stores.
type pushRequest struct {
	StationID   string                 `json:"station_id"`
	StationName string                 `json:"station_name"`
	Timestamp   string                 `json:"timestamp"`
	Aircraft    []pushAircraft         `json:"aircraft"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type pushAircraft struct {
	Hex         string   `json:"hex"`
	Flight      string   `json:"flight"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	AltBaro     *int     `json:"alt_baro"`
	GroundSpeed float64  `json:"gs"`
	Track       float64  `json:"track"`
	RSSI        *float64 `json:"rssi"`
	Messages    int      `json:"messages"`
	Seen        float64  `json:"seen"`
}

type pushResponse struct {
	Status         string   `json:"status"`
	ProcessedCount int      `json:"processed_count"`
	AircraftCount  int      `json:"aircraft_count"`
	Errors         []string `json:"errors,omitempty"`
	RequestID      string   `json:"request_id"`
}

// handlePush authenticates the station against the region's shared secret,
// validates each record independently (dropping malformed ones), and writes
// survivors to {region}:push:{station_id} in one call. A secret whose prefix
// names a different region is permission-denied, an absent or wrong secret
// is unauthenticated, and a structurally broken body is invalid-argument,
// per spec.md §4.6/§7.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	region := chi.URLParam(r, "region")
	station := chi.URLParam(r, "station")

	regionCfg, known := s.regions[region]
	if !known {
		s.writeError(w, http.StatusForbidden, "unknown region", requestID)
		return
	}

	switch s.authenticate(r, region, regionCfg.Secret) {
	case authMissing:
		s.writeError(w, http.StatusUnauthorized, "missing shared secret", requestID)
		return
	case authRegionMismatch:
		s.writeError(w, http.StatusForbidden, "secret does not belong to this region", requestID)
		return
	case authInvalid:
		s.writeError(w, http.StatusUnauthorized, "invalid shared secret", requestID)
		return
	}

	var body pushRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", requestID)
		return
	}

	if len(body.Aircraft) > s.maxRecordsPerPush {
		s.writeError(w, http.StatusRequestEntityTooLarge, "push exceeds max_records_per_push", requestID)
		return
	}

	stationID := strings.TrimSpace(body.StationID)
	if stationID == "" {
		stationID = station
	}

	reports := make([]model.Report, 0, len(body.Aircraft))
	var validationErrors []string
	for i, a := range body.Aircraft {
		report, err := validatePushRecord(a, stationID)
		if err != nil {
			validationErrors = append(validationErrors, err.Error())
			s.logger.Debug("dropping malformed push record", "region", region, "station", stationID, "index", i, "error", err)
			continue
		}
		reports = append(reports, report)
	}

	ttl := regionCfg.BufferTTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}

	key := "{" + region + "}:push:" + stationID
	if err := s.cache.SetWithTTL(r.Context(), key, reports, ttl); err != nil {
		s.logger.Error("writing push buffer failed", "region", region, "station", stationID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist push buffer", requestID)
		return
	}

	resp := pushResponse{
		Status:         "accepted",
		ProcessedCount: len(body.Aircraft),
		AircraftCount:  len(reports),
		Errors:         validationErrors,
		RequestID:      requestID,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// authOutcome distinguishes why a push request's credential failed, so
// handlePush can map each case to the status code spec.md §4.6 pins:
// absence is unauthenticated, a secret naming another region is
// permission-denied.
type authOutcome int

const (
	authOK authOutcome = iota
	authMissing
	authRegionMismatch
	authInvalid
)

// authenticate checks the Authorization header's bearer token against the
// region's configured shared secret. Per spec.md §4.6/§6, the secret's
// prefix up to the first '.' names the region it unlocks (e.g. "etex." for
// region "etex"); a token prefixed for a different region is a region
// mismatch (permission-denied) rather than a plain bad credential
// (unauthenticated).
func (s *Server) authenticate(r *http.Request, region, secret string) authOutcome {
	header := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return authMissing
	}
	token := strings.TrimPrefix(header, bearerPrefix)
	if token == "" {
		return authMissing
	}
	if !strings.HasPrefix(token, region+".") {
		return authRegionMismatch
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return authInvalid
	}
	return authOK
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "rejected",
		"error":      message,
		"request_id": requestID,
	})
}

// validatePushRecord normalizes and validates one pushed aircraft record,
// returning errs.ErrMalformedRecord wrapped with the specific reason on
// failure.
func validatePushRecord(a pushAircraft, station string) (model.Report, error) {
	hex := strings.ToLower(strings.TrimSpace(a.Hex))
	if !model.ValidHex(hex) {
		return model.Report{}, errs.ErrMalformedRecord
	}
	if a.Lat == nil || a.Lon == nil {
		return model.Report{}, errs.ErrMalformedRecord
	}

	return model.Report{
		Hex:         hex,
		Flight:      strings.TrimSpace(a.Flight),
		Lat:         a.Lat,
		Lon:         a.Lon,
		AltBaro:     a.AltBaro,
		GroundSpeed: a.GroundSpeed,
		Track:       a.Track,
		RSSI:        a.RSSI,
		Messages:    a.Messages,
		Seen:        a.Seen,
		DataSource:  model.PiStationPrefix + station,
	}, nil
}
