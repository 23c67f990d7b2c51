package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"

	"go.uber.org/zap"
)

// Chaincode function names invoked on the deployed anchoring chaincode.
const (
	fnRecordDigest  = "RecordDigest"
	fnReadDigest    = "ReadDigest"
	fnApproveDigest = "ApproveDigest"
	fnRejectDigest  = "RejectDigest"
)

// Gateway opens network sessions against the permissioned chaincode network
// under a given signing identity. Implementations wrap connectivity failures
// in ErrUnavailable.
type Gateway interface {
	Connect(ctx context.Context, identity string) (Session, error)
}

// Session is a single established network session. Submit sends a
// transaction through ordering; Evaluate is a read-only query against a
// peer. Close releases the session and is safe to call exactly once.
type Session interface {
	Submit(ctx context.Context, fn string, args ...string) ([]byte, error)
	Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error)
	Close() error
}

// ChaincodeLedger anchors digests through a deployed chaincode. Every call
// opens a fresh session under the configured identity and releases it on all
// exit paths, so no session state is ever shared between concurrent calls.
type ChaincodeLedger struct {
	gw       Gateway
	identity string
	logger   *zap.Logger
}

// NewChaincode creates a ChaincodeLedger that signs as identity.
func NewChaincode(gw Gateway, identity string, logger *zap.Logger) *ChaincodeLedger {
	return &ChaincodeLedger{gw: gw, identity: identity, logger: logger}
}

// Backend implements Ledger.
func (l *ChaincodeLedger) Backend() Backend { return BackendChaincode }

// chaincodeResult is the JSON payload the anchoring chaincode returns.
// Responses that do not parse as JSON are treated as opaque text.
type chaincodeResult struct {
	TxID       string    `json:"tx_id"`
	Digest     string    `json:"digest"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store implements Ledger.
func (l *ChaincodeLedger) Store(ctx context.Context, entityID string, digest canonical.Digest) (string, time.Time, error) {
	payload, err := l.submit(ctx, fnRecordDigest, entityID, string(digest))
	if err != nil {
		return "", time.Time{}, err
	}

	res, ok := parseResult(payload)
	if !ok {
		// Older chaincode versions return the bare transaction ID.
		return string(payload), time.Now().UTC(), nil
	}
	recordedAt := res.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	l.logger.Info("chaincode digest recorded",
		zap.String("entity_id", entityID),
		zap.String("tx_id", res.TxID),
	)
	return res.TxID, recordedAt, nil
}

// Retrieve implements Ledger.
func (l *ChaincodeLedger) Retrieve(ctx context.Context, entityID string) (*Entry, error) {
	sess, err := l.gw.Connect(ctx, l.identity)
	if err != nil {
		return nil, fmt.Errorf("open gateway session: %w", err)
	}
	defer sess.Close() //nolint:errcheck

	payload, err := sess.Evaluate(ctx, fnReadDigest, entityID)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", fnReadDigest, err)
	}
	if len(payload) == 0 {
		return nil, ErrNotFound
	}

	entry := &Entry{EntityID: entityID, Backend: BackendChaincode}
	if res, ok := parseResult(payload); ok {
		entry.Digest = canonical.Digest(res.Digest)
		entry.TxRef = res.TxID
		entry.RecordedAt = res.RecordedAt
		entry.Status = res.Status
		entry.Reason = res.Reason
	} else {
		// Opaque text response: the payload is the digest itself.
		entry.Digest = canonical.Digest(payload)
	}
	if entry.Digest == "" {
		return nil, ErrNotFound
	}
	return entry, nil
}

// Approve implements Ledger.
func (l *ChaincodeLedger) Approve(ctx context.Context, entityID, reason string) (string, error) {
	return l.mark(ctx, fnApproveDigest, entityID, reason)
}

// Reject implements Ledger.
func (l *ChaincodeLedger) Reject(ctx context.Context, entityID, reason string) (string, error) {
	return l.mark(ctx, fnRejectDigest, entityID, reason)
}

func (l *ChaincodeLedger) mark(ctx context.Context, fn, entityID, reason string) (string, error) {
	payload, err := l.submit(ctx, fn, entityID, reason)
	if err != nil {
		return "", err
	}
	if res, ok := parseResult(payload); ok {
		return res.TxID, nil
	}
	return string(payload), nil
}

// submit opens a session, submits fn with args, and tears the session down
// on every exit path.
func (l *ChaincodeLedger) submit(ctx context.Context, fn string, args ...string) ([]byte, error) {
	sess, err := l.gw.Connect(ctx, l.identity)
	if err != nil {
		return nil, fmt.Errorf("open gateway session: %w", err)
	}
	defer sess.Close() //nolint:errcheck

	payload, err := sess.Submit(ctx, fn, args...)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", fn, err)
	}
	return payload, nil
}

// parseResult attempts to decode a chaincode response as JSON. ok is false
// for opaque text responses.
func parseResult(payload []byte) (*chaincodeResult, bool) {
	var res chaincodeResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false
	}
	return &res, true
}
