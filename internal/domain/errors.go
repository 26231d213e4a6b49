package domain

import "errors"

// Sentinel errors shared across the decision pipeline. Callers match
// with errors.Is; wrapping with fmt.Errorf("%w") preserves identity.
var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEnrichmentUnavailable indicates the velocity/feature store
	// could not be reached. Enrichment degrades to a partial vector.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrModelUnavailable indicates the model scorer timed out or
	// failed. The policy renormalizes over the remaining branches and
	// never blocks solely because of this error.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrTraversalBound indicates a graph traversal hit its hop or
	// node cap. The assessment is conservative, not a hard failure.
	ErrTraversalBound = errors.New("graph traversal exceeded bound")

	// ErrConfigInvalid indicates a decision config failed validation
	// and was not installed.
	ErrConfigInvalid = errors.New("decision config invalid")
)
