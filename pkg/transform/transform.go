// Package transform converts a raw source Appointment into the canonical
// record the reconciler consumes. It is pure: no I/O, no config beyond the
// filial/phone rules baked into it.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// minPhoneDigits is the shortest normalized phone the core trusts enough to
// use for contact/lead lookups. Shorter results are treated as "no phone".
const minPhoneDigits = 10

var nonDigits = regexp.MustCompile(`[^\d]`)

// Transform converts an Appointment into a CanonicalRecord, or a
// syncerr.DataQuality error if the row cannot be represented. DataQuality
// failures are counted and dropped by the caller — never enqueued, since
// retrying would replay the same malformed input.
func Transform(a models.Appointment) (models.CanonicalRecord, error) {
	name := strings.TrimSpace(a.PatientFullName)
	if name == "" {
		return models.CanonicalRecord{}, fmt.Errorf("empty patient name: %w", syncerr.DataQuality)
	}

	externalID := composeExternalID(a.FilialID, a.RowID)
	if externalID == "" {
		return models.CanonicalRecord{}, fmt.Errorf("empty external id for filial=%d row=%d: %w",
			a.FilialID, a.RowID, syncerr.DataQuality)
	}

	return models.CanonicalRecord{
		ExternalID:          externalID,
		PatientFullName:     name,
		PatientPhone:        normalizePhone(a.PatientPhone),
		DoctorName:          strings.TrimSpace(a.DoctorName),
		PlannedStart:        a.PlannedStart,
		ServicesSummary:     a.ServicesSummary,
		TotalAmount:         a.TotalAmount,
		TargetStatus:        a.Status,
		SourceTimestampsMax: a.MaxMarker(),
	}, nil
}

// composeExternalID renders the F{filial_id}_{row_id} join key.
func composeExternalID(filialID int, rowID int64) string {
	if filialID <= 0 || rowID <= 0 {
		return ""
	}
	return fmt.Sprintf("F%d_%d", filialID, rowID)
}

// normalizePhone strips everything but digits and re-adds a leading "+".
// A result shorter than minPhoneDigits is treated as no-phone, so
// phone-based reconciliation paths are skipped rather than matched on noise.
func normalizePhone(raw string) string {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) < minPhoneDigits {
		return ""
	}
	return "+" + digits
}
