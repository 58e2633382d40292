// Package notify sends operational alerts to Slack for the handful of
// events an on-call engineer needs to know about promptly: retry-queue
// overflow, the CRM circuit breaker opening, and persisted-state corruption.
// It is not a general notification bus — the core's day-to-day record flow
// never touches it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/dentalcrm/synccore/pkg/config"
)

// Notifier posts operational alerts. Nil-safe: every method is a no-op on a
// nil Notifier, so callers can pass around a possibly-disabled notifier
// without a branch at every call site.
type Notifier struct {
	api     *goslack.Client
	channel string
	log     *slog.Logger
}

// New builds a Notifier from configuration. It returns nil when the
// notifier is disabled or its channel is unset, which notify's fail-open
// methods treat as "do nothing."
func New(cfg config.NotifyConfig, token string) *Notifier {
	if !cfg.Enabled || cfg.Channel == "" || token == "" {
		return nil
	}
	return &Notifier{
		api:     goslack.New(token),
		channel: cfg.Channel,
		log:     slog.With("component", "notify"),
	}
}

func (n *Notifier) post(ctx context.Context, text string) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, _, err := n.api.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.log.Error("failed to post operational alert", "error", err)
	}
}

// QueueOverflow alerts that the retry queue rejected an enqueue because it
// is at capacity — a durable record of a failed write may be lost if the
// operator does not intervene.
func (n *Notifier) QueueOverflow(ctx context.Context, externalID string, size, max int) {
	n.post(ctx, fmt.Sprintf(":warning: retry queue full (%d/%d) — rejected enqueue for `%s`", size, max, externalID))
}

// CircuitOpen alerts that the CRM circuit breaker tripped open, meaning the
// core has stopped attempting CRM calls until it cools down.
func (n *Notifier) CircuitOpen(ctx context.Context) {
	n.post(ctx, ":red_circle: CRM circuit breaker open — calls are being short-circuited")
}

// StorageCorrupt alerts that a persisted store could not be read back or
// written. The scheduler sends it for the watermark and keeps running; it
// does not stop the process.
func (n *Notifier) StorageCorrupt(ctx context.Context, store string, err error) {
	n.post(ctx, fmt.Sprintf(":rotating_light: storage corruption in `%s`: %v", store, err))
}
