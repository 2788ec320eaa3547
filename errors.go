package folio

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("folio: invalid configuration")

	// ErrSectionFailed is returned when any page of a section could not
	// be completed; the section produces no document.
	ErrSectionFailed = errors.New("folio: section processing failed")

	// ErrRunFailed is returned when one or more sections of a run failed.
	ErrRunFailed = errors.New("folio: run completed with failures")

	// ErrNoMarkup is returned when generation succeeded at the transport
	// level but produced an empty response.
	ErrNoMarkup = errors.New("folio: generation returned no markup")

	// ErrQualityDeviation is returned when a page's markup diverges from
	// its source text beyond the configured tolerance.
	ErrQualityDeviation = errors.New("folio: markup deviates from source text")

	// ErrMalformedMarkup is returned when markup remains malformed after
	// the repair budget is spent.
	ErrMalformedMarkup = errors.New("folio: markup malformed after repair")
)
