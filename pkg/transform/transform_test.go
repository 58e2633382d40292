package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestTransformComposesExternalID(t *testing.T) {
	now := time.Now()
	a := models.Appointment{
		FilialID: 1, RowID: 42,
		PatientFullName: "Иванов И. И.",
		PatientPhone:    "+7 (999) 123-45-67",
		Status:          models.StatusPlanned,
		ChangedAt:       ptrTime(now),
	}

	rec, err := Transform(a)

	require.NoError(t, err)
	assert.Equal(t, "F1_42", rec.ExternalID)
	assert.Equal(t, "+79991234567", rec.PatientPhone)
	assert.Equal(t, now, rec.SourceTimestampsMax)
}

func TestTransformShortPhoneBecomesEmpty(t *testing.T) {
	a := models.Appointment{
		FilialID: 1, RowID: 1,
		PatientFullName: "Name",
		PatientPhone:    "12345",
	}

	rec, err := Transform(a)

	require.NoError(t, err)
	assert.Empty(t, rec.PatientPhone)
}

func TestTransformEmptyNameIsDataQuality(t *testing.T) {
	a := models.Appointment{FilialID: 1, RowID: 1, PatientFullName: "   "}

	_, err := Transform(a)

	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.DataQuality)
}

func TestTransformMaxMarkerPicksLatest(t *testing.T) {
	early := time.Now().Add(-time.Hour)
	late := time.Now()
	a := models.Appointment{
		FilialID: 1, RowID: 1, PatientFullName: "Name",
		AddedAt: ptrTime(early), EndedAt: ptrTime(late),
	}

	rec, err := Transform(a)

	require.NoError(t, err)
	assert.Equal(t, late, rec.SourceTimestampsMax)
}
