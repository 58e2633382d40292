// Package planprojector renders an appointment's treatment plan into a
// deterministic multi-line string and reflects it into the CRM, at most
// once per throttle window and only when the rendering actually changed.
// Errors here never propagate to the main reconciliation path — they are
// logged as warnings, since a stale plan note is not a data-loss event.
package planprojector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dentalcrm/synccore/pkg/models"
)

// SourceReader is the subset of the source reader the projector needs.
type SourceReader interface {
	ReadPlanLines(ctx context.Context, externalID string) ([]models.TreatmentPlanLine, error)
}

// DealUpdater is the subset of the CRM client the projector needs.
type DealUpdater interface {
	UpdatePlanProjection(ctx context.Context, dealID, rendered string) error
}

// Clock is injected so throttle-window tests are deterministic.
type Clock interface {
	Now() time.Time
}

// Projector ties the source reader, CRM client, and cache together.
type Projector struct {
	source   SourceReader
	crm      DealUpdater
	cache    *Cache
	throttle atomic.Int64 // time.Duration nanoseconds
	clock    Clock
	log      *slog.Logger
}

// New builds a Projector.
func New(source SourceReader, crm DealUpdater, cache *Cache, throttle time.Duration, clock Clock) *Projector {
	p := &Projector{source: source, crm: crm, cache: cache, clock: clock, log: slog.With("component", "planprojector")}
	p.throttle.Store(int64(throttle))
	return p
}

// SetThrottle replaces the throttle window, applied to the next Apply call.
// Wired to config.Watch's reload callback for plans.throttle_minutes.
func (p *Projector) SetThrottle(throttle time.Duration) {
	p.throttle.Store(int64(throttle))
}

// Apply fetches plan lines for externalID, renders them, and — if the
// rendering changed and the throttle window has elapsed since the last
// applied update — writes the projection to the deal and updates the
// cache. Any failure is logged and swallowed; it never fails the caller's
// cycle.
func (p *Projector) Apply(ctx context.Context, externalID, dealID string) {
	lines, err := p.source.ReadPlanLines(ctx, externalID)
	if err != nil {
		p.log.Warn("failed to read plan lines", "external_id", externalID, "error", err)
		return
	}

	rendered := Render(lines)
	hash := Hash(rendered)
	now := p.clock.Now()

	if cached, ok := p.cache.Get(externalID); ok {
		if cached.LastHash == hash {
			return
		}
		if now.Sub(cached.LastAppliedAt) < time.Duration(p.throttle.Load()) {
			return
		}
	}

	if err := p.crm.UpdatePlanProjection(ctx, dealID, rendered); err != nil {
		p.log.Warn("failed to update plan projection", "external_id", externalID, "deal_id", dealID, "error", err)
		return
	}

	p.cache.Put(externalID, dealID, hash, now)
}
