package source

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

var externalIDPattern = regexp.MustCompile(`^F(\d+)_(\d+)$`)

// parseExternalID recovers the (filial_id, row_id) pair an external_id was
// composed from, the inverse of transform.composeExternalID.
func parseExternalID(externalID string) (filialID int, rowID int64, err error) {
	m := externalIDPattern.FindStringSubmatch(externalID)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed external_id %q", externalID)
	}
	filialID, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed filial_id in %q: %w", externalID, err)
	}
	rowID, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed row_id in %q: %w", externalID, err)
	}
	return filialID, rowID, nil
}

const planLinesQuery = `
SELECT line_id, name, count, unit_price, discount
FROM treatment_plan_lines
WHERE filial_id = $1 AND appointment_row_id = $2
`

// ReadPlanLines fetches treatment-plan lines for an appointment, used only
// by the plan projector.
func (r *Reader) ReadPlanLines(ctx context.Context, externalID string) ([]models.TreatmentPlanLine, error) {
	filialID, rowID, err := parseExternalID(externalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.DataQuality, err)
	}

	var rows []struct {
		LineID    int64   `db:"line_id"`
		Name      string  `db:"name"`
		Count     int     `db:"count"`
		UnitPrice float64 `db:"unit_price"`
		Discount  float64 `db:"discount"`
	}
	if err := r.db.SelectContext(ctx, &rows, planLinesQuery, filialID, rowID); err != nil {
		return nil, fmt.Errorf("%w: querying plan lines for %s: %v", syncerr.SourceUnavailable, externalID, err)
	}

	lines := make([]models.TreatmentPlanLine, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, models.TreatmentPlanLine{
			LineID:    row.LineID,
			Name:      row.Name,
			Count:     row.Count,
			UnitPrice: row.UnitPrice,
			Discount:  row.Discount,
		})
	}
	return lines, nil
}
