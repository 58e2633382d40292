// Package stagepolicy implements the single pure decision the reconciler
// consults before writing a deal's stage: given the deal's current stage and
// the incoming appointment status, what stage (if any) should the deal move
// to.
package stagepolicy

import (
	"github.com/dentalcrm/synccore/pkg/config"
	"github.com/dentalcrm/synccore/pkg/models"
)

// Decision is the result of Decide: either a concrete stage to set, or
// Preserve, meaning the caller must leave the deal's current stage alone.
type Decision struct {
	Stage    config.StageID
	Preserve bool
}

// Decide maps an incoming appointment status to a target stage, given the
// stage table and the deal's current stage (empty if the deal does not yet
// exist). The Completed → preserve rule is load-bearing: it stops a deal a
// human has manually advanced to PREPAYMENT_INVOICE (or similar) from being
// pulled back to TREATMENT merely because the appointment reads "done but
// unpaid".
func Decide(stages config.StagesConfig, current config.StageID, incoming models.Status) Decision {
	switch incoming {
	case models.StatusPlanned:
		return Decision{Stage: stages.New}
	case models.StatusPatientArrived:
		return Decision{Stage: stages.ContactMade}
	case models.StatusInProgress:
		return Decision{Stage: stages.Treatment}
	case models.StatusCompleted:
		if current != "" {
			return Decision{Preserve: true}
		}
		return Decision{Stage: stages.Treatment}
	case models.StatusCompletedWithInvoice:
		return Decision{Stage: stages.Won}
	case models.StatusCancelled:
		return Decision{Stage: stages.Lose}
	default:
		return Decision{Preserve: true}
	}
}
