package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chainseal/chainseal/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubAnchorServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/anchors", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
		if req["operation"] == "upsert" {
			http.Error(w, `{"error":"unknown operation type"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"record": map[string]any{
				"id":        "550e8400-e29b-41d4-a716-446655440000",
				"entity_id": req["entity_id"],
				"digest":    "sha256:" + strings.Repeat("ab", 32),
				"tx_ref":    "mock-tx-1",
				"operation": req["operation"],
				"status":    "pending",
			},
			"outcome": "ledger_confirmed",
		})
	})

	mux.HandleFunc("/api/v1/anchors/user-1/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid":  true,
			"digest": "sha256:" + strings.Repeat("ab", 32),
		})
	})

	mux.HandleFunc("/api/v1/anchors/user-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "a", "entity_id": "user-1", "status": "approved"},
				{"id": "b", "entity_id": "user-1", "status": "pending"},
			},
		})
	})

	mux.HandleFunc("/api/v1/anchors/ghost", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no audit records for entity"}`, http.StatusNotFound)
	})

	mux.HandleFunc("/api/v1/anchors/user-1/approve", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"record": map[string]any{
				"id": "a", "entity_id": "user-1", "status": "approved",
			},
		})
	})

	mux.HandleFunc("/api/v1/anchors/user-2/approve", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no pending audit record"}`, http.StatusConflict)
	})

	mux.HandleFunc("/api/v1/backend", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"backend": "mock"})
	})

	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T) (*client.Client, func()) {
	t.Helper()
	srv := stubAnchorServer(t)
	return client.New(srv.URL, 5*time.Second), srv.Close
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRecordMutation(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	res, err := c.RecordMutation(context.Background(), "user-1", map[string]any{"x": 1}, "insert")
	if err != nil {
		t.Fatalf("RecordMutation failed: %v", err)
	}
	if res.Outcome != "ledger_confirmed" {
		t.Errorf("expected ledger_confirmed, got %q", res.Outcome)
	}
	if res.Record == nil || res.Record.EntityID != "user-1" {
		t.Errorf("unexpected record: %+v", res.Record)
	}
	if res.Record.TxRef == "" {
		t.Error("expected a transaction reference")
	}
}

func TestRecordMutation_apiError(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	_, err := c.RecordMutation(context.Background(), "user-1", map[string]any{"x": 1}, "upsert")
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
	if !strings.Contains(err.Error(), "unknown operation type") {
		t.Errorf("expected the server's message in the error, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	res, err := c.Verify(context.Background(), "user-1", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid {
		t.Error("expected valid result")
	}
	if !strings.HasPrefix(res.Digest, "sha256:") {
		t.Errorf("unexpected digest %q", res.Digest)
	}
}

func TestHistory(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	recs, err := c.History(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Status != "approved" {
		t.Errorf("unexpected first record: %+v", recs[0])
	}
}

func TestHistory_notFound(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	_, err := c.History(context.Background(), "ghost")
	if err != client.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApprove(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	rec, err := c.Approve(context.Background(), "user-1", "reviewed")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if rec.Status != "approved" {
		t.Errorf("expected approved status, got %q", rec.Status)
	}
}

func TestApprove_conflict(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	_, err := c.Approve(context.Background(), "user-2", "reviewed")
	if err == nil {
		t.Fatal("expected error when nothing is pending")
	}
	if !strings.Contains(err.Error(), "status 409") {
		t.Errorf("expected the conflict status in the error, got %v", err)
	}
}

func TestBackend(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	backend, err := c.Backend(context.Background())
	if err != nil {
		t.Fatalf("Backend failed: %v", err)
	}
	if backend != "mock" {
		t.Errorf("expected mock, got %q", backend)
	}
}
