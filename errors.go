package ptolemies

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions outside the §7 error-kind taxonomy.
var (
	// ErrNoResults is returned when retrieval yields no matching chunks.
	ErrNoResults = errors.New("ptolemies: no results found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("ptolemies: store is closed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("ptolemies: invalid configuration")

	// ErrDimensionMismatch is returned when a vector's length does not
	// match the engine's configured embedding dimension.
	ErrDimensionMismatch = errors.New("ptolemies: embedding dimension mismatch")

	// ErrUnknownSource is returned when a crawl is requested for a source
	// that is not present in the seed configuration.
	ErrUnknownSource = errors.New("ptolemies: unknown source")

	// ErrBothPathsFailed is returned by hybrid_search when both the
	// vector and graph paths fail.
	ErrBothPathsFailed = errors.New("ptolemies: both retrieval paths failed")
)

// Kind identifies which of the five §7 error categories an error belongs
// to. Transient errors are retried by the orchestrator and never cross its
// boundary; the rest propagate in some form to the caller or the crawl
// report.
type Kind string

const (
	// KindTransientExternal covers Network, Timeout, RateLimited, Provider5xx.
	KindTransientExternal Kind = "transient_external"
	// KindPermanentExternal covers RobotsDisallowed, HttpError(4xx), ExtractionFailed, TooLarge.
	KindPermanentExternal Kind = "permanent_external"
	// KindDataShape covers DuplicateChunk, InvariantViolation, SchemaMismatch.
	KindDataShape Kind = "data_shape"
	// KindStoreFatal covers ConnectionLost, DiskFull, CorruptIndex.
	KindStoreFatal Kind = "store_fatal"
	// KindCaller covers BadQuery, UnknownFilterField.
	KindCaller Kind = "caller"
)

// FetchReason enumerates the Fetcher's fails-with variants (§4.1).
type FetchReason string

const (
	FetchNetwork           FetchReason = "Network"
	FetchTimeout           FetchReason = "Timeout"
	FetchRobotsDisallowed  FetchReason = "RobotsDisallowed"
	FetchHTTPError         FetchReason = "HttpError"
	FetchTooLarge          FetchReason = "TooLarge"
)

// FetchError is the Fetcher's (C1) typed failure. Code carries the HTTP
// status when Reason is FetchHTTPError; it is zero otherwise.
type FetchError struct {
	URL    string
	Reason FetchReason
	Code   int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Reason == FetchHTTPError {
		return fmt.Sprintf("ptolemies: fetch %s: http %d", e.URL, e.Code)
	}
	return fmt.Sprintf("ptolemies: fetch %s: %s", e.URL, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Kind classifies a FetchError per the §7 taxonomy.
func (e *FetchError) Kind() Kind {
	switch e.Reason {
	case FetchRobotsDisallowed:
		return KindPermanentExternal
	case FetchHTTPError:
		if e.Code == 429 || e.Code >= 500 {
			return KindTransientExternal
		}
		return KindPermanentExternal
	case FetchTooLarge:
		return KindPermanentExternal
	default:
		return KindTransientExternal
	}
}

// EmbedReason enumerates the Embedder's fails-with variants (§4.5).
type EmbedReason string

const (
	EmbedRateLimited EmbedReason = "RateLimited"
	EmbedProvider    EmbedReason = "Provider"
	EmbedTransport   EmbedReason = "Transport"
)

// EmbedError is the Embedder's (C5) typed failure.
type EmbedError struct {
	Reason EmbedReason
	Err    error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("ptolemies: embed: %s: %v", e.Reason, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

func (e *EmbedError) Kind() Kind { return KindTransientExternal }

// StoreError is a Store-fatal failure (§7): ConnectionLost, DiskFull,
// CorruptIndex. Any StoreError aborts the entire crawl.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("ptolemies: store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
func (e *StoreError) Kind() Kind    { return KindStoreFatal }

// InvariantError is a Data-shape failure: a cross-store or per-document
// invariant (§3) was violated. It aborts only the affected document
// commit; prior state is left intact.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return "ptolemies: invariant violated (" + e.Invariant + "): " + e.Detail
}

func (e *InvariantError) Kind() Kind { return KindDataShape }

// QueryError is a Caller failure: BadQuery or UnknownFilterField. It is
// rejected at the API boundary and never retried.
type QueryError struct {
	Field  string
	Detail string
}

func (e *QueryError) Error() string {
	return "ptolemies: bad query (" + e.Field + "): " + e.Detail
}

func (e *QueryError) Kind() Kind { return KindCaller }

