// Package moonerr tags the error taxonomy callers need to branch on: whether
// a failure is fatal to a cycle, recoverable locally, or merely a downgrade
// of one record's indexed status.
package moonerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", KindX) at the point a
// failure is classified; callers branch with errors.Is.
var (
	// ConfigInvalid: thresholds out of range, missing required binaries,
	// empty paths. Fatal for run_once; surfaces to the caller.
	ConfigInvalid = errors.New("config invalid")

	// TransientIO: file read/write, subprocess launch, HTTP timeout.
	// Recovered locally where possible; never fatal to a cycle.
	TransientIO = errors.New("transient io error")

	// IndexUnavailable: downgrades indexed=false on the affected record.
	IndexUnavailable = errors.New("index unavailable")

	// SchemaError: malformed JSON in ledger/state/channel map. Fatal to the
	// affected operation; no partial rewrite is left on disk.
	SchemaError = errors.New("schema error")

	// ProtocolMismatch: compact RPC returned neither started+runId nor
	// ok=true. Step marked degraded; cycle continues.
	ProtocolMismatch = errors.New("protocol mismatch")
)
