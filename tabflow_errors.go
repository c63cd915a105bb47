// tabflow/tabflow_errors.go
// Contains exported error definitions for the tabflow package.
package tabflow

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrAnalysisFailed indicates non-fatal errors occurred during context assembly.
	// The pipeline degrades to an empty context rather than surfacing this to callers.
	ErrAnalysisFailed = errors.New("context analysis failed")

	// ErrOracleUnavailable indicates failure communicating with the completion oracle.
	ErrOracleUnavailable = errors.New("completion oracle unavailable")

	// ErrStreamProcessing indicates an error reading or processing the oracle response stream.
	ErrStreamProcessing = errors.New("error processing oracle stream")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCache indicates a general suggestion cache operation failure.
	ErrCache = errors.New("cache operation failed")

	// ErrCacheRead indicates failure reading from the persistent store.
	ErrCacheRead = errors.New("store read failed")

	// ErrCacheWrite indicates failure writing to the persistent store.
	ErrCacheWrite = errors.New("store write failed")

	// ErrInvalidPosition indicates a cursor position is outside the document bounds.
	ErrInvalidPosition = errors.New("invalid cursor position")

	// ErrDocumentNotOpen indicates an operation referenced a document the server
	// has not seen a didOpen for.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrRequestSuperseded indicates a pending request was replaced by a newer
	// request for the same key before it could dispatch. Not a failure.
	ErrRequestSuperseded = errors.New("request superseded")

	// ErrRequestInFlight indicates a request was dropped because a dispatch for
	// the same key is already awaiting the oracle.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrCoordinatorClosed indicates the request coordinator has been shut down.
	ErrCoordinatorClosed = errors.New("request coordinator closed")

	// ErrDisabled indicates the completion pipeline is disabled by configuration.
	ErrDisabled = errors.New("completion pipeline disabled")

	// ErrNoPrediction indicates the edit pattern engine has no active predictions.
	ErrNoPrediction = errors.New("no active prediction")
)
