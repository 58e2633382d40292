// Package syncerr defines the error taxonomy shared by every component of
// the synchronization core. Components classify failures by kind (errors.Is
// against one of these sentinels) rather than by concrete type, so a
// reconciler or scheduler can branch on "is this retryable" without importing
// every other package's error types.
package syncerr

import "errors"

var (
	// ConfigInvalid marks a configuration load or validation failure.
	// Fatal at startup; never retried.
	ConfigInvalid = errors.New("configuration invalid")

	// SourceUnavailable marks a failure to reach or read the source
	// appointment database. Retried on the next scheduler cycle.
	SourceUnavailable = errors.New("source unavailable")

	// CrmTransient marks a CRM call failure that is expected to succeed on
	// retry: network errors, timeouts, 5xx responses.
	CrmTransient = errors.New("crm transient failure")

	// CrmValidation marks a CRM call rejected for a reason that will not
	// change on retry without human intervention: a 4xx response carrying
	// a field-level validation error.
	CrmValidation = errors.New("crm validation failure")

	// DataQuality marks a source record that cannot be transformed into a
	// canonical record (empty patient name, unusable filial or row id).
	// Counted and dropped; never retried.
	DataQuality = errors.New("data quality failure")

	// AutoBindAmbiguous marks a phone number that resolves to more than one
	// unlinked CRM deal during auto-binding. The record is skipped with a
	// warning rather than guessed at, and is not enqueued.
	AutoBindAmbiguous = errors.New("ambiguous auto-bind candidates")

	// StageReadFailed marks a failed read-before-update stage check during
	// auto-binding, where proceeding without the check risks clobbering a
	// protected stage.
	StageReadFailed = errors.New("stage read failed")

	// StorageCorrupt marks a durable store (retry queue, watermark) that
	// cannot be opened or read back: an unreadable or unparseable file, or
	// an on-disk schema version this binary does not understand. Never
	// repaired automatically.
	StorageCorrupt = errors.New("storage corrupt")
)

// Kind classifies err against the taxonomy above using errors.Is. It returns
// nil if err does not match any known kind.
func Kind(err error) error {
	for _, kind := range []error{
		ConfigInvalid, SourceUnavailable, CrmTransient, CrmValidation,
		DataQuality, AutoBindAmbiguous, StageReadFailed, StorageCorrupt,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retryable reports whether a failure of this kind belongs in the retry
// queue rather than being dropped or surfaced as fatal.
func Retryable(err error) bool {
	switch Kind(err) {
	case SourceUnavailable, CrmTransient, CrmValidation, StageReadFailed:
		return true
	default:
		return false
	}
}
