// Package errs defines the tagged error kinds carried across package
// boundaries, per the error handling design: callers distinguish failure
// modes with errors.Is rather than string matching.
package errs

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) at the call
// site; callers check with errors.Is(err, errs.ErrX).
var (
	// ErrTransient marks a timeout, 5xx, connection reset, or 429 from an
	// upstream source. Counted, never fatal.
	ErrTransient = errors.New("transient upstream error")

	// ErrConfig marks a missing region, malformed CSV header, or invalid
	// secret prefix. Fatal at startup.
	ErrConfig = errors.New("configuration error")

	// ErrCacheUnreachable marks a failure to reach the cache. Fatal at
	// startup; mid-run it puts the affected region scheduler into Degraded.
	ErrCacheUnreachable = errors.New("cache unreachable")

	// ErrRegistryMissing marks an absent registry CSV (no candidate path,
	// no fallback fetch). The process runs in no-enrichment mode until a
	// later registry reload succeeds.
	ErrRegistryMissing = errors.New("registry unavailable")

	// ErrMalformedRecord marks a single record that failed validation.
	// Dropped and counted, never propagated past the boundary that found it.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrIngressAuth marks a push-ingress authentication failure
	// (unauthenticated or permission-denied). Per-request, never fatal.
	ErrIngressAuth = errors.New("ingress authentication failed")
)
