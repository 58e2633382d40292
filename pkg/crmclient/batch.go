package crmclient

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dentalcrm/synccore/pkg/config"
)

// batchCommand is one sub-request coalesced into a single HTTP call, keyed
// by a caller-supplied label so the response map can be reassembled.
type batchCommand struct {
	Label  string `json:"label"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

type batchResponse struct {
	Results map[string]rawBatchResult `json:"results"`
}

// chunk splits items into groups of at most batchChunkSize, preserving
// order.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// batch sends up to batchChunkSize commands in one HTTP call and returns
// the raw per-label results. Callers decode each result into the shape they
// expect (a contact id, a deal, a lead id, ...).
func (c *Client) batch(ctx context.Context, commands []batchCommand) (map[string]rawBatchResult, error) {
	results := make(map[string]rawBatchResult, len(commands))
	if len(commands) == 0 {
		return results, nil
	}

	for _, part := range chunk(commands, batchChunkSize) {
		var resp batchResponse
		if err := c.do(ctx, http.MethodPost, "/batch", map[string]any{"commands": part}, &resp); err != nil {
			return nil, err
		}
		for _, cmd := range part {
			results[cmd.Label] = resp.Results[cmd.Label]
		}
	}

	return results, nil
}

// BatchFindContactsByPhones resolves a list of phone numbers to contact ids.
// Phones with no match map to an empty string. Empty input makes zero HTTP
// calls and returns an empty map.
func (c *Client) BatchFindContactsByPhones(ctx context.Context, phones []string) (map[string]string, error) {
	out := make(map[string]string, len(phones))
	if len(phones) == 0 {
		return out, nil
	}

	commands := make([]batchCommand, 0, len(phones))
	labels := make(map[string]string, len(phones))
	for _, phone := range phones {
		label := uuid.NewString()
		labels[label] = phone
		commands = append(commands, batchCommand{Label: label, Method: http.MethodGet, Path: "/contacts?phone=" + phone})
	}

	results, err := c.batch(ctx, commands)
	if err != nil {
		return nil, err
	}

	for label, phone := range labels {
		out[phone] = results[label].ContactID
	}
	return out, nil
}

// BatchFindDealsByExternalIDs resolves external ids to their current deal
// (if any), including current stage. Missing ids map to nil.
func (c *Client) BatchFindDealsByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*DealLookup, error) {
	out := make(map[string]*DealLookup, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	commands := make([]batchCommand, 0, len(externalIDs))
	labels := make(map[string]string, len(externalIDs))
	for _, id := range externalIDs {
		label := uuid.NewString()
		labels[label] = id
		commands = append(commands, batchCommand{Label: label, Method: http.MethodGet, Path: "/deals?external_id=" + id})
	}

	results, err := c.batch(ctx, commands)
	if err != nil {
		return nil, err
	}

	for label, id := range labels {
		r := results[label]
		if r.DealID == "" {
			out[id] = nil
			continue
		}
		out[id] = &DealLookup{DealID: r.DealID, Stage: r.Stage, ContactID: r.ContactID}
	}
	return out, nil
}

// BatchFindLeadsByContactIDs resolves contact ids to a lead id on that
// contact, if any.
func (c *Client) BatchFindLeadsByContactIDs(ctx context.Context, contactIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(contactIDs))
	if len(contactIDs) == 0 {
		return out, nil
	}

	commands := make([]batchCommand, 0, len(contactIDs))
	labels := make(map[string]string, len(contactIDs))
	for _, id := range contactIDs {
		label := uuid.NewString()
		labels[label] = id
		commands = append(commands, batchCommand{Label: label, Method: http.MethodGet, Path: "/leads?contact_id=" + id})
	}

	results, err := c.batch(ctx, commands)
	if err != nil {
		return nil, err
	}

	for label, id := range labels {
		out[id] = results[label].LeadID
	}
	return out, nil
}

// BatchFindLeadsByPhones resolves phone numbers to a lead id, if any.
func (c *Client) BatchFindLeadsByPhones(ctx context.Context, phones []string) (map[string]string, error) {
	out := make(map[string]string, len(phones))
	if len(phones) == 0 {
		return out, nil
	}

	commands := make([]batchCommand, 0, len(phones))
	labels := make(map[string]string, len(phones))
	for _, phone := range phones {
		label := uuid.NewString()
		labels[label] = phone
		commands = append(commands, batchCommand{Label: label, Method: http.MethodGet, Path: "/leads?phone=" + phone})
	}

	results, err := c.batch(ctx, commands)
	if err != nil {
		return nil, err
	}

	for label, phone := range labels {
		out[phone] = results[label].LeadID
	}
	return out, nil
}

// DealLookup is the subset of deal fields the batch finder returns.
type DealLookup struct {
	DealID    string
	Stage     config.StageID
	ContactID string
}

// rawBatchResult is the generic per-label batch response shape: whichever
// fields the sub-request's endpoint fills in.
type rawBatchResult struct {
	ContactID string         `json:"contact_id"`
	DealID    string         `json:"deal_id"`
	LeadID    string         `json:"lead_id"`
	Stage     config.StageID `json:"stage"`
}
