package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// JSON-RPC error codes returned by the chain gateway. The gateway enumerates
// the failure class explicitly so the caller never has to pattern-match
// error text.
const (
	rpcCodeRejected     = 1001 // contract refused the write
	rpcCodeUnavailable  = 1002 // node unreachable or syncing
	rpcCodeNotConfirmed = 1003 // transaction not included before the deadline
)

// RPCClient implements ContractClient over the chain gateway's JSON-RPC
// endpoint. Each write blocks server-side until the transaction is included;
// the per-call timeout bounds that wait and maps to ErrUnavailable so the
// Submitter can retry.
type RPCClient struct {
	endpoint string
	http     *http.Client
	reqID    atomic.Uint64
}

// NewRPCClient creates an RPCClient targeting endpoint.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// SubmitChange implements ContractClient.
func (c *RPCClient) SubmitChange(ctx context.Context, nonce, slot uint64, digest string) (string, error) {
	var txRef string
	err := c.call(ctx, "anchor_submitChange", []any{nonce, slot, digest}, &txRef)
	return txRef, err
}

// GetChange implements ContractClient.
func (c *RPCClient) GetChange(ctx context.Context, slot uint64) (*ChangeState, error) {
	var out struct {
		Digest string `json:"digest"`
		Status uint8  `json:"status"`
		Reason string `json:"reason"`
	}
	if err := c.call(ctx, "anchor_getChange", []any{slot}, &out); err != nil {
		return nil, err
	}
	return &ChangeState{
		Digest: out.Digest,
		Status: ChangeStatus(out.Status),
		Reason: out.Reason,
	}, nil
}

// Approve implements ContractClient.
func (c *RPCClient) Approve(ctx context.Context, nonce, slot uint64, reason string) (string, error) {
	var txRef string
	err := c.call(ctx, "anchor_approve", []any{nonce, slot, reason}, &txRef)
	return txRef, err
}

// Reject implements ContractClient.
func (c *RPCClient) Reject(ctx context.Context, nonce, slot uint64, reason string) (string, error) {
	var txRef string
	err := c.call(ctx, "anchor_reject", []any{nonce, slot, reason}, &txRef)
	return txRef, err
}

// PendingTransactionCount implements ContractClient.
func (c *RPCClient) PendingTransactionCount(ctx context.Context, signer string) (uint64, error) {
	var count uint64
	err := c.call(ctx, "anchor_pendingTransactionCount", []any{signer}, &count)
	return count, err
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC round trip and decodes the result into out.
// Transport failures and timeouts wrap ErrUnavailable; gateway-enumerated
// refusals wrap ErrRejected.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Context deadlines and transport errors are both transient from
		// the caller's point of view.
		return fmt.Errorf("%s: %v: %w", method, err, ErrUnavailable)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%s: gateway returned status %d: %w", method, resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: gateway returned status %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return classifyRPCError(method, rpcResp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// classifyRPCError maps the gateway's enumerated error codes onto the
// package's typed failures.
func classifyRPCError(method string, e *rpcError) error {
	switch e.Code {
	case rpcCodeRejected:
		return fmt.Errorf("%s: %s: %w", method, e.Message, ErrRejected)
	case rpcCodeUnavailable, rpcCodeNotConfirmed:
		return fmt.Errorf("%s: %s: %w", method, e.Message, ErrUnavailable)
	default:
		return fmt.Errorf("%s: gateway error %d: %s", method, e.Code, e.Message)
	}
}

var _ ContractClient = (*RPCClient)(nil)
