package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway implements Gateway against the chaincode network's REST
// gateway. Sessions map to server-side gateway connections: created with
// POST /sessions, driven with POST /sessions/{id}/transactions, released
// with DELETE /sessions/{id}.
type HTTPGateway struct {
	baseURL   string
	channel   string
	chaincode string
	http      *http.Client
}

// NewHTTPGateway creates an HTTPGateway targeting baseURL. Sessions are
// scoped to the given channel and deployed chaincode name.
func NewHTTPGateway(baseURL, channel, chaincode string, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL:   baseURL,
		channel:   channel,
		chaincode: chaincode,
		http:      &http.Client{Timeout: timeout},
	}
}

// Connect implements Gateway.
func (g *HTTPGateway) Connect(ctx context.Context, identity string) (Session, error) {
	body, _ := json.Marshal(map[string]string{
		"identity":  identity,
		"channel":   g.channel,
		"chaincode": g.chaincode,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open session: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open session: gateway returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	return &httpSession{gw: g, id: out.SessionID}, nil
}

// httpSession is one server-side gateway connection.
type httpSession struct {
	gw *HTTPGateway
	id string
}

// Submit implements Session.
func (s *httpSession) Submit(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return s.transact(ctx, "submit", fn, args)
}

// Evaluate implements Session.
func (s *httpSession) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return s.transact(ctx, "evaluate", fn, args)
}

// Close implements Session. The server reaps idle sessions on its own, so a
// failed DELETE is not fatal to the caller.
func (s *httpSession) Close() error {
	req, err := http.NewRequest(http.MethodDelete, s.gw.baseURL+"/sessions/"+s.id, nil)
	if err != nil {
		return fmt.Errorf("build close request: %w", err)
	}
	resp, err := s.gw.http.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	resp.Body.Close() //nolint:errcheck
	return nil
}

func (s *httpSession) transact(ctx context.Context, kind, fn string, args []string) ([]byte, error) {
	body, _ := json.Marshal(map[string]any{
		"type":     kind,
		"function": fn,
		"args":     args,
	})
	url := s.gw.baseURL + "/sessions/" + s.id + "/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", fn, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.gw.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", kind, fn, err, ErrUnavailable)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%s %s: chaincode refused: %w", kind, fn, ErrRejected)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s %s: gateway returned status %d: %w", kind, fn, resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s %s: gateway returned status %d", kind, fn, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", fn, err)
	}
	return payload, nil
}

var _ Gateway = (*HTTPGateway)(nil)
