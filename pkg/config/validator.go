package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validateConfig runs struct-tag validation over the whole tree, then a
// handful of cross-field checks the tag language can't express.
func validateConfig(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return NewValidationError(fe.StructNamespace(), fe.Field(),
				fmt.Errorf("failed %q validation (value: %v)", fe.Tag(), fe.Value()))
		}
		return NewValidationError("config", "", err)
	}

	if err := validateStages(cfg.Stages); err != nil {
		return err
	}

	return nil
}

// validateStages rejects a stage table where two roles resolve to the same
// identifier, or any required stage is blank. Stage identifiers are opaque
// but must stay distinct: collapsing two roles into one string would make
// the stage-policy decision table ambiguous.
func validateStages(s StagesConfig) error {
	roles := map[string]StageID{
		"new": s.New, "contact_made": s.ContactMade, "treatment": s.Treatment,
		"completed_unpaid": s.CompletedUnpaid, "won": s.Won, "lose": s.Lose,
		"prepayment_invoice": s.PrepaymentInvoice, "final_invoice": s.FinalInvoice,
		"executing": s.Executing, "apology": s.Apology,
	}

	seen := make(map[StageID]string, len(roles))
	for role, id := range roles {
		if id == "" {
			return NewValidationError("stages", role, fmt.Errorf("stage identifier must not be empty"))
		}
		if other, ok := seen[id]; ok {
			return NewValidationError("stages", role,
				fmt.Errorf("stage identifier %q also used by %q", id, other))
		}
		seen[id] = role
	}

	return nil
}
