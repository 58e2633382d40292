package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/retryqueue"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

type fakeStream struct {
	rows []models.Appointment
	i    int
}

func (s *fakeStream) Next() bool {
	if s.i >= len(s.rows) {
		return false
	}
	s.i++
	return true
}
func (s *fakeStream) Scan() (models.Appointment, error) { return s.rows[s.i-1], nil }
func (s *fakeStream) Err() error                        { return nil }
func (s *fakeStream) Close() error                      { return nil }

type fakeSource struct {
	rows  []models.Appointment
	ping  bool
	calls int
}

func (f *fakeSource) Ping(ctx context.Context) bool { return f.ping }
func (f *fakeSource) ReadSince(ctx context.Context, watermark time.Time) (RecordStream, error) {
	f.calls++
	return &fakeStream{rows: f.rows}, nil
}

type fakeReconciler struct {
	fail       map[string]error
	reconciled []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, rec models.CanonicalRecord) (string, error) {
	f.reconciled = append(f.reconciled, rec.ExternalID)
	if err, ok := f.fail[rec.ExternalID]; ok {
		return "", err
	}
	return "deal-" + rec.ExternalID, nil
}

type fakeQueue struct {
	due      []retryqueue.Item
	enqueued []string
	marked   []string
	failed   []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, externalID string, rec models.CanonicalRecord, now time.Time) error {
	f.enqueued = append(f.enqueued, externalID)
	return nil
}
func (f *fakeQueue) Due(ctx context.Context, now time.Time) ([]retryqueue.Item, error) { return f.due, nil }
func (f *fakeQueue) MarkSuccess(ctx context.Context, externalID string) error {
	f.marked = append(f.marked, externalID)
	return nil
}
func (f *fakeQueue) MarkFailure(ctx context.Context, externalID string, failErr error, now time.Time) error {
	f.failed = append(f.failed, externalID)
	return nil
}
func (f *fakeQueue) Prune(ctx context.Context, now time.Time) (int, error) { return 0, nil }
func (f *fakeQueue) Size(ctx context.Context) (int, error)                { return len(f.due), nil }

type fakeWatermark struct {
	saved time.Time
	load  time.Time
}

func (f *fakeWatermark) Load(fallback time.Time) (time.Time, error) { return f.load, nil }
func (f *fakeWatermark) Save(t time.Time) error {
	f.saved = t
	return nil
}

type fakeProjector struct{ applied []string }

func (f *fakeProjector) Apply(ctx context.Context, externalID, dealID string) {
	f.applied = append(f.applied, externalID)
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func identityTransform(a models.Appointment) (models.CanonicalRecord, error) {
	if a.PatientFullName == "" {
		return models.CanonicalRecord{}, fmt.Errorf("%w: empty name", syncerr.DataQuality)
	}
	return models.CanonicalRecord{
		ExternalID:          fmt.Sprintf("F%d_%d", a.FilialID, a.RowID),
		PatientFullName:     a.PatientFullName,
		SourceTimestampsMax: a.MaxMarker(),
		TargetStatus:        a.Status,
	}, nil
}

func TestRunCycleAdvancesWatermarkOnSuccess(t *testing.T) {
	now := time.Now()
	marker := now.Add(-time.Minute)
	source := &fakeSource{ping: true, rows: []models.Appointment{
		{FilialID: 1, RowID: 1, PatientFullName: "Jane", ChangedAt: &marker, Status: models.StatusPlanned},
	}}
	reconciler := &fakeReconciler{}
	queue := &fakeQueue{}
	wm := &fakeWatermark{load: now.Add(-time.Hour)}
	projector := &fakeProjector{}

	s := New(Config{
		Source: source, Reconcile: reconciler, Queue: queue, Watermark: wm, Projector: projector,
		Transform: identityTransform, Metrics: newTestMetrics(), Interval: time.Hour, Clock: &fakeClock{t: now},
	})

	s.runCycle(t.Context())

	require.Len(t, reconciler.reconciled, 1)
	assert.Equal(t, "F1_1", reconciler.reconciled[0])
	assert.True(t, wm.saved.Equal(marker))
	assert.Equal(t, []string{"F1_1"}, projector.applied)
}

func TestRunCycleEnqueuesFailedRecordsAndDoesNotBlockWatermark(t *testing.T) {
	now := time.Now()
	okMarker := now.Add(-time.Minute)
	failMarker := now.Add(-30 * time.Second)
	source := &fakeSource{ping: true, rows: []models.Appointment{
		{FilialID: 1, RowID: 1, PatientFullName: "Jane", ChangedAt: &okMarker, Status: models.StatusPlanned},
		{FilialID: 1, RowID: 2, PatientFullName: "John", ChangedAt: &failMarker, Status: models.StatusPlanned},
	}}
	reconciler := &fakeReconciler{fail: map[string]error{"F1_2": fmt.Errorf("%w: boom", syncerr.CrmTransient)}}
	queue := &fakeQueue{}
	wm := &fakeWatermark{load: now.Add(-time.Hour)}

	s := New(Config{
		Source: source, Reconcile: reconciler, Queue: queue, Watermark: wm, Projector: &fakeProjector{},
		Transform: identityTransform, Metrics: newTestMetrics(), Interval: time.Hour, Clock: &fakeClock{t: now},
	})

	s.runCycle(t.Context())

	assert.Equal(t, []string{"F1_2"}, queue.enqueued)
	assert.True(t, wm.saved.Equal(okMarker), "watermark should advance to the last successfully processed record, not block on the failed one")
}

func TestRunCycleDropsDataQualityRecordsWithoutEnqueueing(t *testing.T) {
	now := time.Now()
	marker := now.Add(-time.Minute)
	source := &fakeSource{ping: true, rows: []models.Appointment{
		{FilialID: 1, RowID: 1, PatientFullName: "", ChangedAt: &marker, Status: models.StatusPlanned},
	}}
	reconciler := &fakeReconciler{}
	queue := &fakeQueue{}
	wm := &fakeWatermark{load: now.Add(-time.Hour)}

	s := New(Config{
		Source: source, Reconcile: reconciler, Queue: queue, Watermark: wm, Projector: &fakeProjector{},
		Transform: identityTransform, Metrics: newTestMetrics(), Interval: time.Hour, Clock: &fakeClock{t: now},
	})

	s.runCycle(t.Context())

	assert.Empty(t, reconciler.reconciled, "a data-quality-rejected row must never reach the reconciler")
	assert.Empty(t, queue.enqueued)
}

func TestRunCycleDrainsRetryQueueBeforeFreshRecords(t *testing.T) {
	now := time.Now()
	marker := now.Add(-time.Minute)
	source := &fakeSource{ping: true, rows: []models.Appointment{
		{FilialID: 1, RowID: 1, PatientFullName: "Jane", ChangedAt: &marker, Status: models.StatusPlanned},
	}}
	reconciler := &fakeReconciler{}
	queue := &fakeQueue{due: []retryqueue.Item{
		{ExternalID: "F1_9", Canonical: models.CanonicalRecord{ExternalID: "F1_9"}},
	}}
	wm := &fakeWatermark{load: now}

	s := New(Config{
		Source: source, Reconcile: reconciler, Queue: queue, Watermark: wm, Projector: &fakeProjector{},
		Transform: identityTransform, Metrics: newTestMetrics(), Interval: time.Hour, Clock: &fakeClock{t: now},
	})

	s.runCycle(t.Context())

	assert.Equal(t, []string{"F1_9"}, queue.marked)
	assert.Equal(t, []string{"F1_9", "F1_1"}, reconciler.reconciled, "due retry items must be reconciled before fresh records")
}

func TestStartupLivenessFailureDoesNotPreventCycle(t *testing.T) {
	now := time.Now()
	source := &fakeSource{ping: false}
	s := New(Config{
		Source: source, Reconcile: &fakeReconciler{}, Queue: &fakeQueue{}, Watermark: &fakeWatermark{load: now},
		Projector: &fakeProjector{}, Transform: identityTransform, Metrics: newTestMetrics(), Interval: time.Hour, Clock: &fakeClock{t: now},
	})

	s.startupLivenessCheck(t.Context())
	assert.Zero(t, source.calls, "liveness check should only ping, never stream")

	s.runCycle(t.Context())
	assert.Equal(t, 1, source.calls, "a failed startup ping must not prevent the cycle from reading the source")
}

func TestSetIntervalTakesEffectLive(t *testing.T) {
	now := time.Now()
	s := New(Config{
		Source: &fakeSource{ping: true}, Reconcile: &fakeReconciler{}, Queue: &fakeQueue{}, Watermark: &fakeWatermark{load: now},
		Projector: &fakeProjector{}, Transform: identityTransform, Metrics: newTestMetrics(), Interval: time.Hour, Clock: &fakeClock{t: now},
	})

	assert.Equal(t, time.Hour, time.Duration(s.interval.Load()))

	s.SetInterval(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, time.Duration(s.interval.Load()))
}
