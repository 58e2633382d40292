// Package reconciler is the heart of the synchronization core: it takes a
// canonical record and makes the CRM reflect it, following the lookup order
// (deal by external_id, then auto-bind by phone, then lead conversion, then
// create) and the stage-protection rules that keep a human's manual stage
// changes from being overwritten.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dentalcrm/synccore/pkg/config"
	"github.com/dentalcrm/synccore/pkg/crmclient"
	"github.com/dentalcrm/synccore/pkg/masking"
	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/stagepolicy"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// CRMClient is the subset of crmclient.Client the reconciler depends on,
// narrowed for testability.
type CRMClient interface {
	GetDeal(ctx context.Context, id string) (models.Deal, error)
	CreateDeal(ctx context.Context, fields crmclient.DealFields) (models.Deal, error)
	CreateContact(ctx context.Context, phone, fullName string) (models.Contact, error)
	UpdateDeal(ctx context.Context, id string, fields crmclient.DealFields) error
	ConvertLeadToDeal(ctx context.Context, leadID string) (crmclient.ConvertResult, error)
	BatchFindContactsByPhones(ctx context.Context, phones []string) (map[string]string, error)
	BatchFindDealsByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*crmclient.DealLookup, error)
	BatchFindLeadsByPhones(ctx context.Context, phones []string) (map[string]string, error)
	FindUnboundDealsByContactID(ctx context.Context, contactID string) ([]models.Deal, error)
	GetLeadStatus(ctx context.Context, leadID string) (string, error)
}

// Reconciler applies canonical records to the CRM.
type Reconciler struct {
	crm               CRMClient
	stages            config.StagesConfig
	finalLeadStatuses map[string]bool
	masker            *masking.Masker
	log               *slog.Logger
}

// New builds a Reconciler.
func New(crm CRMClient, stages config.StagesConfig, finalLeadStatuses map[string]bool) *Reconciler {
	return &Reconciler{
		crm:               crm,
		stages:            stages,
		finalLeadStatuses: finalLeadStatuses,
		masker:            masking.New(false),
		log:               slog.With("component", "reconciler"),
	}
}

// WithMasker overrides the reconciler's PII masker, used so operational logs
// (auto-bind ambiguity warnings) redact the patient phone per
// LoggingConfig.MaskPersonalData.
func (r *Reconciler) WithMasker(m *masking.Masker) *Reconciler {
	r.masker = m
	return r
}

// Reconcile makes the CRM reflect a single canonical record, per the lookup
// order in order: deal by external_id, auto-bind by phone, lead conversion,
// create. It returns the touched deal's id (so the caller can opportunistically
// trigger the plan projector) and a typed error (see pkg/syncerr) on
// failure; the caller is responsible for enqueueing retryable failures.
func (r *Reconciler) Reconcile(ctx context.Context, rec models.CanonicalRecord) (string, error) {
	deals, err := r.crm.BatchFindDealsByExternalIDs(ctx, []string{rec.ExternalID})
	if err != nil {
		return "", fmt.Errorf("%w: looking up deal by external_id: %v", syncerr.CrmTransient, err)
	}
	if hit := deals[rec.ExternalID]; hit != nil {
		return hit.DealID, r.applyUpdate(ctx, hit.DealID, hit.Stage, rec, true)
	}

	if rec.PatientPhone == "" {
		return r.create(ctx, rec)
	}

	dealID, stage, bound, err := r.autoBind(ctx, rec)
	if err != nil {
		return "", err
	}
	if bound {
		return dealID, r.applyUpdate(ctx, dealID, stage, rec, true)
	}

	converted, err := r.convertLead(ctx, rec)
	if err != nil {
		return "", err
	}
	if converted != "" {
		return converted, r.applyUpdate(ctx, converted, "", rec, false)
	}

	return r.create(ctx, rec)
}

// autoBind implements lookup path 2: phone → contact → oldest deal without
// an external_id. It returns bound=false (not an error) for both "no
// contact" and "no unbound deal" — those fall through to lead lookup.
func (r *Reconciler) autoBind(ctx context.Context, rec models.CanonicalRecord) (dealID string, stage config.StageID, bound bool, err error) {
	contacts, err := r.crm.BatchFindContactsByPhones(ctx, []string{rec.PatientPhone})
	if err != nil {
		return "", "", false, fmt.Errorf("%w: looking up contact by phone: %v", syncerr.CrmTransient, err)
	}
	contactID := contacts[rec.PatientPhone]
	if contactID == "" {
		return "", "", false, nil
	}

	candidates, err := r.crm.FindUnboundDealsByContactID(ctx, contactID)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: looking up unbound deals: %v", syncerr.CrmTransient, err)
	}
	if len(candidates) == 0 {
		return "", "", false, nil
	}
	if len(candidates) > 1 {
		r.log.Warn("auto-bind ambiguous: contact has multiple unbound deals, skipping",
			"contact_id", contactID, "external_id", rec.ExternalID, "candidate_count", len(candidates),
			"patient_phone", r.masker.Phone(rec.PatientPhone))
		return "", "", false, fmt.Errorf("%w: contact %s has %d unbound deals", syncerr.AutoBindAmbiguous, contactID, len(candidates))
	}

	target := candidates[0]

	// Auto-binding safety: re-read the deal before updating it. A failed
	// read here must not silently proceed, or a protected stage could be
	// overwritten blind.
	deal, err := r.crm.GetDeal(ctx, target.ID)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: reading deal %s before auto-bind: %v", syncerr.StageReadFailed, target.ID, err)
	}

	return deal.ID, deal.Stage, true, nil
}

// convertLead implements lookup path 3. It returns "" (not an error) when no
// matching non-final lead exists, falling through to create.
func (r *Reconciler) convertLead(ctx context.Context, rec models.CanonicalRecord) (string, error) {
	leads, err := r.crm.BatchFindLeadsByPhones(ctx, []string{rec.PatientPhone})
	if err != nil {
		return "", fmt.Errorf("%w: looking up lead by phone: %v", syncerr.CrmTransient, err)
	}
	leadID := leads[rec.PatientPhone]
	if leadID == "" {
		return "", nil
	}

	status, err := r.crm.GetLeadStatus(ctx, leadID)
	if err != nil {
		return "", fmt.Errorf("%w: reading lead status: %v", syncerr.CrmTransient, err)
	}
	if r.finalLeadStatuses[status] {
		return "", nil
	}

	result, err := r.crm.ConvertLeadToDeal(ctx, leadID)
	if err != nil {
		return "", fmt.Errorf("%w: converting lead %s: %v", syncerr.CrmTransient, leadID, err)
	}

	r.log.Info("converted lead to deal", "lead_id", leadID, "deal_id", result.DealID, "external_id", rec.ExternalID)
	return result.DealID, nil
}

// create implements lookup path 4: find-or-create contact, then create a
// fresh deal carrying the external_id.
func (r *Reconciler) create(ctx context.Context, rec models.CanonicalRecord) (string, error) {
	contactID := ""
	if rec.PatientPhone != "" {
		contacts, err := r.crm.BatchFindContactsByPhones(ctx, []string{rec.PatientPhone})
		if err != nil {
			return "", fmt.Errorf("%w: looking up contact for create: %v", syncerr.CrmTransient, err)
		}
		contactID = contacts[rec.PatientPhone]

		if contactID == "" {
			contact, err := r.crm.CreateContact(ctx, rec.PatientPhone, rec.PatientFullName)
			if err != nil {
				return "", fmt.Errorf("%w: creating contact: %v", syncerr.CrmTransient, err)
			}
			contactID = contact.ID
		}
	}

	fields := crmclient.DealFields{
		ExternalID:      rec.ExternalID,
		ContactID:       contactID,
		Stage:           r.stages.New,
		PatientFullName: rec.PatientFullName,
		DoctorName:      rec.DoctorName,
		PlannedStart:    &rec.PlannedStart,
		ServicesSummary: rec.ServicesSummary,
		TotalAmount:     rec.TotalAmount,
	}
	decision := stagepolicy.Decide(r.stages, "", rec.TargetStatus)
	if !decision.Preserve {
		fields.Stage = decision.Stage
	}

	deal, err := r.crm.CreateDeal(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("%w: creating deal: %v", syncerr.CrmTransient, err)
	}
	return deal.ID, nil
}

// applyUpdate applies the update rules for a known deal: final stages only
// get the external_id backfilled, protected-non-final stages get every
// field except stage, everything else gets the full update including the
// newly decided stage. protect=false for a freshly converted deal (path 3),
// which is exempt from stage protection because it was just created by us.
func (r *Reconciler) applyUpdate(ctx context.Context, dealID string, currentStage config.StageID, rec models.CanonicalRecord, protect bool) error {
	final := r.stages.Final()
	protectedSet := r.stages.Protected()

	if protect && final[currentStage] {
		return r.crm.UpdateDeal(ctx, dealID, crmclient.DealFields{ExternalID: rec.ExternalID})
	}

	fields := crmclient.DealFields{
		ExternalID:      rec.ExternalID,
		PatientFullName: rec.PatientFullName,
		DoctorName:      rec.DoctorName,
		PlannedStart:    &rec.PlannedStart,
		ServicesSummary: rec.ServicesSummary,
		TotalAmount:     rec.TotalAmount,
	}

	if protect && protectedSet[currentStage] {
		return r.crm.UpdateDeal(ctx, dealID, fields)
	}

	decision := stagepolicy.Decide(r.stages, currentStage, rec.TargetStatus)
	if !decision.Preserve {
		fields.Stage = decision.Stage
	}
	return r.crm.UpdateDeal(ctx, dealID, fields)
}

// IsAmbiguous reports whether err is the auto-bind-ambiguous kind, which the
// scheduler treats as a skip (logged, never enqueued) rather than a retry.
func IsAmbiguous(err error) bool {
	return errors.Is(err, syncerr.AutoBindAmbiguous)
}
