// Package crmclient is a thin, typed façade over the CRM's HTTP/JSON API.
// It owns exactly one retry decorator, one rate limiter, and one circuit
// breaker — composed once here so call sites never double-decorate retry,
// a specified anti-pattern.
package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dentalcrm/synccore/pkg/config"
	"github.com/dentalcrm/synccore/pkg/models"
	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// batchChunkSize is the maximum number of sub-requests coalesced into one
// HTTP call, per spec.
const batchChunkSize = 50

// Client is the CRM HTTP façade used by the reconciler and plan projector.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	maxRetries    int
	retryDelaysMu sync.RWMutex
	retryDelays   []time.Duration
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	onCircuitOpen func()
	log           *slog.Logger
}

// New builds a Client from CRM configuration. The webhook token, if any, is
// expected to already be embedded in cfg.WebhookURL by config loading.
func New(cfg config.CRMConfig) *Client {
	delays := make([]time.Duration, 0, len(cfg.RetryDelays))
	for _, d := range cfg.RetryDelays {
		delays = append(delays, d.Std())
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: cfg.CallTimeout.Std()},
		baseURL:     cfg.WebhookURL,
		maxRetries:  cfg.MaxRetries,
		retryDelays: delays,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		log:         slog.With("component", "crmclient"),
	}

	breakerSettings := gobreaker.Settings{
		Name:    "crm-client",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change", "from", from, "to", to)
			if to == gobreaker.StateOpen && c.onCircuitOpen != nil {
				c.onCircuitOpen()
			}
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings)

	return c
}

// SetOnCircuitOpen registers a callback invoked whenever the circuit
// breaker trips open, used to surface an operational alert.
func (c *Client) SetOnCircuitOpen(fn func()) {
	c.onCircuitOpen = fn
}

// delayFor returns the backoff delay before attempt n (1-indexed), reusing
// the last configured delay once attempts exceed the list length.
func (c *Client) delayFor(attempt int) time.Duration {
	c.retryDelaysMu.RLock()
	defer c.retryDelaysMu.RUnlock()
	idx := attempt - 1
	if idx >= len(c.retryDelays) {
		idx = len(c.retryDelays) - 1
	}
	return c.retryDelays[idx]
}

// SetRetryDelays replaces the per-request backoff schedule, applied to
// retries issued after the call returns. Wired to config.Watch's reload
// callback for crm.retry_delays.
func (c *Client) SetRetryDelays(delays []time.Duration) {
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	c.retryDelaysMu.Lock()
	c.retryDelays = delays
	c.retryDelaysMu.Unlock()
}

// SetRateLimit adjusts the outbound request rate to the CRM. Wired to
// config.Watch's reload callback for crm.rate_limit.
func (c *Client) SetRateLimit(perSecond float64) {
	c.limiter.SetLimit(rate.Limit(perSecond))
}

// do executes a single logical CRM call with rate limiting, the circuit
// breaker, and per-call retry — applied exactly once here so no call site
// needs to, or accidentally does, wrap it again.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter wait: %v", syncerr.CrmTransient, err)
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.attempt(ctx, method, path, payload, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == c.maxRetries {
			break
		}

		c.log.Warn("retrying crm call", "method", method, "path", path, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delayFor(attempt)):
		}
	}

	return fmt.Errorf("crm call failed after %d attempts: %w", c.maxRetries, lastErr)
}

func retryable(err error) bool {
	return syncerr.Kind(err) == syncerr.CrmTransient
}

// attempt performs exactly one HTTP round-trip and classifies the result.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.CrmTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", syncerr.CrmTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", syncerr.CrmTransient, resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limit exceeded", syncerr.CrmTransient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", syncerr.CrmValidation, resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// GetDeal fetches a single deal by CRM id.
func (c *Client) GetDeal(ctx context.Context, id string) (models.Deal, error) {
	var deal models.Deal
	err := c.do(ctx, http.MethodGet, "/deals/"+id, nil, &deal)
	return deal, err
}

// CreateDeal creates a new deal carrying the given fields.
func (c *Client) CreateDeal(ctx context.Context, fields DealFields) (models.Deal, error) {
	var deal models.Deal
	err := c.do(ctx, http.MethodPost, "/deals", fields, &deal)
	return deal, err
}

// UpdateDeal applies a partial update to an existing deal.
func (c *Client) UpdateDeal(ctx context.Context, id string, fields DealFields) error {
	return c.do(ctx, http.MethodPatch, "/deals/"+id, fields, nil)
}

// ConvertLeadToDeal converts a lead into a deal (and possibly a new
// contact) with a single CRM call.
func (c *Client) ConvertLeadToDeal(ctx context.Context, leadID string) (ConvertResult, error) {
	var result ConvertResult
	err := c.do(ctx, http.MethodPost, "/leads/"+leadID+"/convert", nil, &result)
	return result, err
}

// AppendNote updates an entity's note field directly — a field update, not
// a timeline entry, so implementers don't split it into two round-trips.
func (c *Client) AppendNote(ctx context.Context, entityKind, entityID, text string) error {
	body := map[string]string{"note": text}
	return c.do(ctx, http.MethodPatch, "/"+entityKind+"s/"+entityID+"/note", body, nil)
}

// contactFields is the set of contact attributes CreateContact writes.
type contactFields struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// CreateContact creates a new contact carrying the given phone, used by
// the reconciler's create path when no existing contact matches the
// incoming appointment's phone number. fullName is split on the first
// space into first/last name; a name with no space is taken as a first
// name with an empty last name.
func (c *Client) CreateContact(ctx context.Context, phone, fullName string) (models.Contact, error) {
	first, last := splitName(fullName)
	var contact models.Contact
	err := c.do(ctx, http.MethodPost, "/contacts", contactFields{Phone: phone, FirstName: first, LastName: last}, &contact)
	return contact, err
}

func splitName(fullName string) (first, last string) {
	parts := strings.SplitN(strings.TrimSpace(fullName), " ", 2)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// unboundDealsResponse is the response shape for the contact's unbound-deals
// listing, ordered oldest-first by the CRM.
type unboundDealsResponse struct {
	Deals []models.Deal `json:"deals"`
}

// FindUnboundDealsByContactID lists a contact's deals that carry no
// external_id yet, oldest first — the candidate pool for auto-binding.
func (c *Client) FindUnboundDealsByContactID(ctx context.Context, contactID string) ([]models.Deal, error) {
	var resp unboundDealsResponse
	if err := c.do(ctx, http.MethodGet, "/contacts/"+contactID+"/deals?external_id=none", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deals, nil
}

// leadStatusResponse is the response shape for a single lead's status.
type leadStatusResponse struct {
	Status string `json:"status"`
}

// GetLeadStatus reads a single lead's current status, used to decide
// whether it is eligible for conversion.
func (c *Client) GetLeadStatus(ctx context.Context, leadID string) (string, error) {
	var resp leadStatusResponse
	if err := c.do(ctx, http.MethodGet, "/leads/"+leadID, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// UpdatePlanProjection writes the plan projector's rendered string to a
// deal's plan field — the single CRM call step 5 of the projector calls for.
func (c *Client) UpdatePlanProjection(ctx context.Context, dealID, rendered string) error {
	return c.UpdateDeal(ctx, dealID, DealFields{PlanProjection: rendered})
}

// DealFields is the set of deal attributes the reconciler and plan
// projector may write.
type DealFields struct {
	ExternalID      string         `json:"external_id,omitempty"`
	ContactID       string         `json:"contact_id,omitempty"`
	Stage           config.StageID `json:"stage,omitempty"`
	PatientFullName string         `json:"patient_full_name,omitempty"`
	DoctorName      string         `json:"doctor_name,omitempty"`
	PlannedStart    *time.Time     `json:"planned_start,omitempty"`
	ServicesSummary string         `json:"services_summary,omitempty"`
	TotalAmount     *float64       `json:"total_amount,omitempty"`
	PlanProjection  string         `json:"plan_projection,omitempty"`
}

// ConvertResult is the response to ConvertLeadToDeal.
type ConvertResult struct {
	DealID    string `json:"deal_id"`
	ContactID string `json:"contact_id,omitempty"`
}
