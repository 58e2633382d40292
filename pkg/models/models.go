// Package models defines the data shapes shared across the synchronization
// core: the source appointment record, its treatment-plan lines, the
// transformer's canonical output, and the CRM entities the reconciler
// reasons about.
package models

import (
	"time"

	"github.com/dentalcrm/synccore/pkg/config"
)

// Status is the appointment status enumeration from the source database.
type Status string

const (
	StatusPlanned              Status = "Planned"
	StatusPatientArrived       Status = "PatientArrived"
	StatusInProgress           Status = "InProgress"
	StatusCompleted            Status = "Completed"
	StatusCompletedWithInvoice Status = "CompletedWithInvoice"
	StatusCancelled            Status = "Cancelled"
)

// Appointment is a row read from the source database, joined with its
// services summary and weighted total in a single projection.
type Appointment struct {
	FilialID int
	RowID    int64

	PatientFullName string
	PatientPhone    string
	DoctorName      string
	PlannedStart    time.Time
	Status          Status
	ServicesSummary string
	TotalAmount     *float64

	AddedAt          *time.Time
	ChangedAt        *time.Time
	PatientArrivedAt *time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
	CancelledAt      *time.Time
}

// MaxMarker returns the latest non-nil of the six temporal markers. It is
// the change signal the source reader orders by and the candidate watermark
// the transformer propagates.
func (a Appointment) MaxMarker() time.Time {
	var max time.Time
	for _, t := range []*time.Time{a.AddedAt, a.ChangedAt, a.PatientArrivedAt, a.StartedAt, a.EndedAt, a.CancelledAt} {
		if t != nil && t.After(max) {
			max = *t
		}
	}
	return max
}

// TreatmentPlanLine is one service or good line on an appointment's
// treatment plan, used only by the plan projector.
type TreatmentPlanLine struct {
	LineID    int64
	Name      string
	Count     int
	UnitPrice float64
	Discount  float64
}

// Total returns this line's contribution: unit_price * count - discount.
func (l TreatmentPlanLine) Total() float64 {
	return l.UnitPrice*float64(l.Count) - l.Discount
}

// CanonicalRecord is the transformer's output: everything the reconciler
// needs to locate or create the matching CRM entities.
type CanonicalRecord struct {
	ExternalID          string
	PatientFullName     string
	PatientPhone        string
	DoctorName          string
	PlannedStart        time.Time
	ServicesSummary     string
	TotalAmount         *float64
	TargetStatus        Status
	SourceTimestampsMax time.Time
}

// Contact is a CRM contact as seen by the core.
type Contact struct {
	ID        string
	Phone     string
	FirstName string
	LastName  string
}

// Lead is a CRM lead as seen by the core.
type Lead struct {
	ID        string
	ContactID string
	Status    string
}

// Deal is a CRM deal as seen by the core.
type Deal struct {
	ID         string
	ExternalID string
	ContactID  string
	Stage      config.StageID
}
