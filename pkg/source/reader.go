// Package source is the Source Reader: it streams changed appointment rows
// from the read-only dental-clinic database, in ascending order of their
// change marker, without materializing the whole result set in memory.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dentalcrm/synccore/pkg/config"
	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// Reader streams appointments from the source database.
type Reader struct {
	db       *sqlx.DB
	filialID int
}

// Open connects to the source database and verifies it is reachable.
func Open(ctx context.Context, cfg config.SourceConfig, filialID int) (*Reader, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
		cfg.Server, cfg.Port, cfg.Username, cfg.Password, cfg.Database,
		int(cfg.ConnectionTimeout.Std().Seconds()),
	)

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening source connection: %v", syncerr.SourceUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout.Std())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging source: %v", syncerr.SourceUnavailable, err)
	}

	return &Reader{db: db, filialID: filialID}, nil
}

// Close releases the underlying connection pool.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Ping is a liveness probe used at scheduler startup. It never returns an
// error: a failed ping is reported as false so the scheduler can log and
// continue rather than crash.
func (r *Reader) Ping(ctx context.Context) bool {
	return r.db.PingContext(ctx) == nil
}

// appointmentRow mirrors the single joined projection query: services
// summary and weighted total are computed in SQL, not with per-row
// round-trips.
type appointmentRow struct {
	FilialID         int             `db:"filial_id"`
	RowID            int64           `db:"row_id"`
	PatientFullName  string          `db:"patient_full_name"`
	PatientPhone     string          `db:"patient_phone"`
	DoctorName       string          `db:"doctor_name"`
	PlannedStart     time.Time       `db:"planned_start"`
	Status           string          `db:"status"`
	ServicesSummary  string          `db:"services_summary"`
	TotalAmount      sql.NullFloat64 `db:"total_amount"`
	AddedAt          sql.NullTime    `db:"added_at"`
	ChangedAt        sql.NullTime    `db:"changed_at"`
	PatientArrivedAt sql.NullTime    `db:"patient_arrived_at"`
	StartedAt        sql.NullTime    `db:"started_at"`
	EndedAt          sql.NullTime    `db:"ended_at"`
	CancelledAt      sql.NullTime    `db:"cancelled_at"`
}

func (row appointmentRow) toAppointment() models.Appointment {
	a := models.Appointment{
		FilialID:         row.FilialID,
		RowID:            row.RowID,
		PatientFullName:  row.PatientFullName,
		PatientPhone:     row.PatientPhone,
		DoctorName:       row.DoctorName,
		PlannedStart:     row.PlannedStart,
		Status:           models.Status(row.Status),
		ServicesSummary:  row.ServicesSummary,
		AddedAt:          nullTime(row.AddedAt),
		ChangedAt:        nullTime(row.ChangedAt),
		PatientArrivedAt: nullTime(row.PatientArrivedAt),
		StartedAt:        nullTime(row.StartedAt),
		EndedAt:          nullTime(row.EndedAt),
		CancelledAt:      nullTime(row.CancelledAt),
	}
	if row.TotalAmount.Valid {
		v := row.TotalAmount.Float64
		a.TotalAmount = &v
	}
	return a
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// readSinceQuery selects rows whose change envelope intersects
// [watermark, now]: a logical OR over the six markers, each compared ≥
// watermark, ordered ascending by their maximum so the scheduler can
// safely advance the watermark to the last successfully processed row.
const readSinceQuery = `
SELECT
	filial_id, row_id, patient_full_name, patient_phone, doctor_name,
	planned_start, status, services_summary, total_amount,
	added_at, changed_at, patient_arrived_at, started_at, ended_at, cancelled_at
FROM appointments
WHERE filial_id = $1
  AND (
	added_at >= $2 OR changed_at >= $2 OR patient_arrived_at >= $2 OR
	started_at >= $2 OR ended_at >= $2 OR cancelled_at >= $2
  )
ORDER BY GREATEST(
	COALESCE(added_at, '-infinity'), COALESCE(changed_at, '-infinity'),
	COALESCE(patient_arrived_at, '-infinity'), COALESCE(started_at, '-infinity'),
	COALESCE(ended_at, '-infinity'), COALESCE(cancelled_at, '-infinity')
) ASC
`

// Iterator is a lazy, finite sequence of appointments. Memory does not
// scale with row count: rows are pulled one at a time off the underlying
// database cursor.
type Iterator struct {
	rows *sqlx.Rows
}

// Next advances the iterator. It returns false at end of stream or on
// error; callers should check Err() after a false return.
func (it *Iterator) Next() bool {
	return it.rows.Next()
}

// Scan decodes the current row.
func (it *Iterator) Scan() (models.Appointment, error) {
	var row appointmentRow
	if err := it.rows.StructScan(&row); err != nil {
		return models.Appointment{}, fmt.Errorf("%w: scanning appointment row: %v", syncerr.SourceUnavailable, err)
	}
	return row.toAppointment(), nil
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error {
	if err := it.rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", syncerr.SourceUnavailable, err)
	}
	return nil
}

// Close releases the underlying cursor.
func (it *Iterator) Close() error {
	return it.rows.Close()
}

// ReadSince streams appointments whose change envelope is ≥ watermark for
// this reader's configured filial.
func (r *Reader) ReadSince(ctx context.Context, watermark time.Time) (*Iterator, error) {
	rows, err := r.db.QueryxContext(ctx, readSinceQuery, r.filialID, watermark)
	if err != nil {
		return nil, fmt.Errorf("%w: querying appointments: %v", syncerr.SourceUnavailable, err)
	}
	return &Iterator{rows: rows}, nil
}
