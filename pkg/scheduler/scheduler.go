// Package scheduler drives the sync cycle: drain the retry queue, stream
// the source reader, reconcile each record, advance the watermark, and
// opportunistically project treatment plans — once per interval, forever,
// until told to stop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dentalcrm/synccore/pkg/masking"
	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/notify"
	"github.com/dentalcrm/synccore/pkg/reconciler"
	"github.com/dentalcrm/synccore/pkg/retryqueue"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// RecordStream is a lazy sequence of appointments, satisfied structurally by
// *source.Iterator.
type RecordStream interface {
	Next() bool
	Scan() (models.Appointment, error)
	Err() error
	Close() error
}

// SourceReader is the subset of the source reader the scheduler needs.
type SourceReader interface {
	Ping(ctx context.Context) bool
	ReadSince(ctx context.Context, watermark time.Time) (RecordStream, error)
}

// Reconciler applies a canonical record to the CRM, returning the deal id it
// touched so the scheduler can opportunistically trigger the plan projector.
type Reconciler interface {
	Reconcile(ctx context.Context, rec models.CanonicalRecord) (dealID string, err error)
}

// RetryQueue is the durable backlog of failed records.
type RetryQueue interface {
	Enqueue(ctx context.Context, externalID string, rec models.CanonicalRecord, now time.Time) error
	Due(ctx context.Context, now time.Time) ([]retryqueue.Item, error)
	MarkSuccess(ctx context.Context, externalID string) error
	MarkFailure(ctx context.Context, externalID string, failErr error, now time.Time) error
	Prune(ctx context.Context, now time.Time) (int, error)
	Size(ctx context.Context) (int, error)
}

// WatermarkStore persists the cycle's progress marker.
type WatermarkStore interface {
	Load(fallback time.Time) (time.Time, error)
	Save(t time.Time) error
}

// PlanProjector opportunistically reflects a treatment plan into the CRM.
type PlanProjector interface {
	Apply(ctx context.Context, externalID, dealID string)
}

// Transformer turns a raw appointment into the reconciler's canonical
// input, matching pkg/transform.Transform's signature.
type Transformer func(models.Appointment) (models.CanonicalRecord, error)

// Clock is injected so watermark-advance tests are deterministic.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Scheduler owns the cycle loop.
type Scheduler struct {
	source      SourceReader
	reconcile   Reconciler
	queue       RetryQueue
	watermark   WatermarkStore
	projector   PlanProjector
	transform   Transformer
	notifier    *notify.Notifier
	masker      *masking.Masker
	metrics     *Metrics
	interval    atomic.Int64 // time.Duration nanoseconds
	initialSync time.Duration
	clock       Clock
	log         *slog.Logger
}

// Config bundles Scheduler's dependencies.
type Config struct {
	Source        SourceReader
	Reconcile     Reconciler
	Queue         RetryQueue
	Watermark     WatermarkStore
	Projector     PlanProjector
	Transform     Transformer
	Notifier      *notify.Notifier
	Masker        *masking.Masker
	Metrics       *Metrics
	Interval      time.Duration
	InitialSync   time.Duration
	Clock         Clock
}

// New builds a Scheduler from Config.
func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	masker := cfg.Masker
	if masker == nil {
		masker = masking.New(false)
	}
	s := &Scheduler{
		source:      cfg.Source,
		reconcile:   cfg.Reconcile,
		queue:       cfg.Queue,
		watermark:   cfg.Watermark,
		projector:   cfg.Projector,
		transform:   cfg.Transform,
		notifier:    cfg.Notifier,
		masker:      masker,
		metrics:     cfg.Metrics,
		initialSync: cfg.InitialSync,
		clock:       clock,
		log:         slog.With("component", "scheduler"),
	}
	s.interval.Store(int64(cfg.Interval))
	return s
}

// SetInterval changes the cycle interval, applied the next time the
// ticker fires. Wired to config.Watch's reload callback for
// sync.interval_minutes.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval.Store(int64(d))
}

// Run blocks, running one cycle immediately and then one per interval,
// until ctx is cancelled. It always finishes the in-flight cycle before
// returning, so a process signal never leaves a record half-reconciled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startupLivenessCheck(ctx)

	timer := time.NewTimer(time.Duration(s.interval.Load()))
	defer timer.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown requested, cycle loop exiting")
			return nil
		case <-timer.C:
			s.runCycle(ctx)
			timer.Reset(time.Duration(s.interval.Load()))
		}
	}
}

// startupLivenessCheck pings the source; the CRM is not probed here.
// Failure here is logged, never fatal: the failure mode is
// "transient source/CRM down," and the process must enter the normal cycle
// loop regardless so it can recover once the dependency returns.
func (s *Scheduler) startupLivenessCheck(ctx context.Context) {
	if !s.source.Ping(ctx) {
		s.log.Warn("source database liveness check failed at startup; continuing")
	}
}

// runCycle executes exactly one sync cycle: drain the retry queue, stream
// fresh records, advance the watermark, report metrics.
func (s *Scheduler) runCycle(ctx context.Context) {
	start := s.clock.Now()
	s.metrics.CyclesTotal.Inc()

	s.drainRetryQueue(ctx)

	candidateWatermark, attempted, succeeded := s.streamFreshRecords(ctx)

	if succeeded > 0 {
		if err := s.watermark.Save(candidateWatermark); err != nil {
			s.handleStorageCorrupt(ctx, "watermark", err)
		}
	}

	if n, err := s.queue.Prune(ctx, s.clock.Now()); err == nil && n > 0 {
		s.log.Info("pruned exhausted retry items to dead letters", "count", n)
	}

	if depth, err := s.queue.Size(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}

	s.log.Info("cycle complete", "attempted", attempted, "succeeded", succeeded, "duration", s.clock.Now().Sub(start))
}

// drainRetryQueue reconciles every due item ahead of fresh records, per the
// scheduler's first responsibility.
func (s *Scheduler) drainRetryQueue(ctx context.Context) {
	now := s.clock.Now()
	items, err := s.queue.Due(ctx, now)
	if err != nil {
		s.log.Error("failed to load due retry items", "error", err)
		return
	}

	for _, item := range items {
		recordStart := s.clock.Now()
		dealID, err := s.reconcile.Reconcile(ctx, item.Canonical)
		s.metrics.ReconcileDuration.Observe(s.clock.Now().Sub(recordStart).Seconds())
		s.metrics.AttemptedTotal.Inc()

		if err == nil {
			s.metrics.SucceededTotal.Inc()
			if err := s.queue.MarkSuccess(ctx, item.ExternalID); err != nil {
				s.log.Error("failed to mark retry item succeeded", "external_id", item.ExternalID, "error", err)
			}
			if s.projector != nil && dealID != "" {
				s.projector.Apply(ctx, item.ExternalID, dealID)
			}
			continue
		}

		if reconciler.IsAmbiguous(err) {
			s.metrics.SkippedTotal.Inc()
			if err := s.queue.MarkSuccess(ctx, item.ExternalID); err != nil {
				s.log.Error("failed to remove ambiguous retry item", "external_id", item.ExternalID, "error", err)
			}
			continue
		}

		if err := s.queue.MarkFailure(ctx, item.ExternalID, err, now); err != nil {
			s.log.Error("failed to record retry failure", "external_id", item.ExternalID, "error", err)
		}
	}
}

// streamFreshRecords iterates the source reader and reconciles each record,
// returning the candidate watermark (the max source_timestamps_max over
// successfully processed records — failed-and-enqueued records do not block
// advance, since they are durably remembered) plus attempted/succeeded
// counts.
func (s *Scheduler) streamFreshRecords(ctx context.Context) (candidateWatermark time.Time, attempted, succeeded int) {
	current, err := s.watermark.Load(s.clock.Now().Add(-s.initialSync))
	if err != nil {
		s.handleStorageCorrupt(ctx, "watermark", err)
		return current, 0, 0
	}
	candidateWatermark = current

	stream, err := s.source.ReadSince(ctx, current)
	if err != nil {
		s.log.Error("source unavailable this cycle, watermark not advanced", "error", err)
		return current, 0, 0
	}
	defer stream.Close()

	for stream.Next() {
		appointment, err := stream.Scan()
		if err != nil {
			s.log.Error("failed to scan appointment row", "error", err)
			break
		}

		attempted++
		s.metrics.AttemptedTotal.Inc()

		rec, err := s.transform(appointment)
		if err != nil {
			if errors.Is(err, syncerr.DataQuality) {
				s.metrics.SkippedTotal.Inc()
				s.log.Warn("dropping low-quality record",
					"filial_id", appointment.FilialID, "row_id", appointment.RowID,
					"patient_phone", s.masker.Phone(appointment.PatientPhone), "error", err)
				continue
			}
			s.log.Error("unexpected transform error", "error", err)
			continue
		}

		recordStart := s.clock.Now()
		dealID, reconcileErr := s.reconcile.Reconcile(ctx, rec)
		s.metrics.ReconcileDuration.Observe(s.clock.Now().Sub(recordStart).Seconds())

		switch {
		case reconcileErr == nil:
			succeeded++
			s.metrics.SucceededTotal.Inc()
			if rec.SourceTimestampsMax.After(candidateWatermark) {
				candidateWatermark = rec.SourceTimestampsMax
			}
			if s.projector != nil && dealID != "" {
				s.projector.Apply(ctx, rec.ExternalID, dealID)
			}
		case reconciler.IsAmbiguous(reconcileErr):
			s.metrics.SkippedTotal.Inc()
		default:
			s.metrics.EnqueuedTotal.Inc()
			if err := s.queue.Enqueue(ctx, rec.ExternalID, rec, s.clock.Now()); err != nil {
				if s.notifier != nil {
					if size, sizeErr := s.queue.Size(ctx); sizeErr == nil {
						s.notifier.QueueOverflow(ctx, rec.ExternalID, size, size)
					}
				}
				s.log.Error("failed to enqueue failed record", "external_id", rec.ExternalID, "error", err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		s.log.Error("source stream ended with error", "error", err)
	}

	return candidateWatermark, attempted, succeeded
}

// handleStorageCorrupt logs and reports a watermark that could not be read
// or saved. The scheduler keeps running; the watermark is not advanced.
func (s *Scheduler) handleStorageCorrupt(ctx context.Context, store string, err error) {
	s.log.Error("persisted state corrupt", "store", store, "error", err)
	if s.notifier != nil {
		s.notifier.StorageCorrupt(ctx, store, err)
	}
}
