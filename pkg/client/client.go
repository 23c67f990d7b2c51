// Package client is the Go SDK for the ChainSeal anchoring API. It is used
// by the sealctl CLI and by services that embed mutation anchoring.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when the entity has no audit trail or no ledger
// entry.
var ErrNotFound = errors.New("entity not found")

// AuditRecord mirrors the API's audit record representation.
type AuditRecord struct {
	ID        string         `json:"id"`
	EntityID  string         `json:"entity_id"`
	Snapshot  map[string]any `json:"snapshot"`
	Digest    string         `json:"digest"`
	TxRef     string         `json:"tx_ref,omitempty"`
	Operation string         `json:"operation"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RecordResult is the response of the write-path operations.
type RecordResult struct {
	Record  *AuditRecord `json:"record"`
	Outcome string       `json:"outcome"`
}

// VerifyResult is the response of a tamper check.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	Digest       string `json:"digest"`
	LedgerDigest string `json:"ledger_digest,omitempty"`
}

// Client talks to a ChainSeal anchoring service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client targeting baseURL (e.g. "http://localhost:8080").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// RecordMutation anchors a mutation of entityID with the given snapshot.
func (c *Client) RecordMutation(ctx context.Context, entityID string, snapshot map[string]any, operation string) (*RecordResult, error) {
	payload := map[string]any{
		"entity_id": entityID,
		"snapshot":  snapshot,
		"operation": operation,
	}
	var out RecordResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/anchors", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks the entity's current snapshot against its anchored digest.
func (c *Client) Verify(ctx context.Context, entityID string, snapshot map[string]any) (*VerifyResult, error) {
	payload := map[string]any{"snapshot": snapshot}
	var out VerifyResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/anchors/"+entityID+"/verify", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the entity's audit trail, newest first.
func (c *Client) History(ctx context.Context, entityID string) ([]*AuditRecord, error) {
	var out struct {
		Records []*AuditRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/anchors/"+entityID, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Approve marks the entity's latest pending record approved.
func (c *Client) Approve(ctx context.Context, entityID, reason string) (*AuditRecord, error) {
	return c.resolve(ctx, entityID, "approve", reason)
}

// Reject marks the entity's latest pending record rejected.
func (c *Client) Reject(ctx context.Context, entityID, reason string) (*AuditRecord, error) {
	return c.resolve(ctx, entityID, "reject", reason)
}

func (c *Client) resolve(ctx context.Context, entityID, action, reason string) (*AuditRecord, error) {
	payload := map[string]any{"reason": reason}
	var out struct {
		Record *AuditRecord `json:"record"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/anchors/"+entityID+"/"+action, payload, &out); err != nil {
		return nil, err
	}
	return out.Record, nil
}

// Resubmit re-anchors the entity's current snapshot.
func (c *Client) Resubmit(ctx context.Context, entityID string, snapshot map[string]any) (*RecordResult, error) {
	payload := map[string]any{"snapshot": snapshot}
	var out RecordResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/anchors/"+entityID+"/resubmit", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Backend reports which ledger backend the service anchors to.
func (c *Client) Backend(ctx context.Context) (string, error) {
	var out struct {
		Backend string `json:"backend"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/backend", nil, &out); err != nil {
		return "", err
	}
	return out.Backend, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
