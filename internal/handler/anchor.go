// Package handler exposes the anchoring core over a thin HTTP surface.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/chainseal/chainseal/internal/audit"
	"github.com/chainseal/chainseal/internal/canonical"
	"github.com/chainseal/chainseal/internal/ledger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AnchorHandler exposes the audit trail coordinator's operations.
type AnchorHandler struct {
	coord  *audit.Coordinator
	logger *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(coord *audit.Coordinator, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{coord: coord, logger: logger}
}

// Register mounts the anchor routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/anchors")
	{
		a.POST("", h.RecordMutation)
		a.GET("/:entityID", h.History)
		a.POST("/:entityID/verify", h.Verify)
		a.POST("/:entityID/approve", h.Approve)
		a.POST("/:entityID/reject", h.Reject)
		a.POST("/:entityID/resubmit", h.Resubmit)
	}
	rg.GET("/backend", h.Backend)
}

type recordMutationRequest struct {
	EntityID  string              `json:"entity_id" binding:"required"`
	Snapshot  map[string]any      `json:"snapshot" binding:"required"`
	Operation audit.OperationType `json:"operation" binding:"required"`
}

// RecordMutation handles POST /anchors.
func (h *AnchorHandler) RecordMutation(c *gin.Context) {
	var req recordMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Operation {
	case audit.OpInsert, audit.OpUpdate, audit.OpDelete, audit.OpInitialMigration:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown operation type"})
		return
	}

	rec, outcome, err := h.coord.RecordMutation(c.Request.Context(), req.EntityID, req.Snapshot, req.Operation)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if outcome == audit.OutcomeUnchanged {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"record": rec, "outcome": outcome})
}

type snapshotRequest struct {
	Snapshot map[string]any `json:"snapshot" binding:"required"`
}

// Verify handles POST /anchors/:entityID/verify. The caller supplies the
// entity's current snapshot; the response says whether it still matches the
// anchored digest.
func (h *AnchorHandler) Verify(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coord.Verify(c.Request.Context(), c.Param("entityID"), req.Snapshot)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// History handles GET /anchors/:entityID.
func (h *AnchorHandler) History(c *gin.Context) {
	recs, err := h.coord.History(c.Request.Context(), c.Param("entityID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(recs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit records for entity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Approve handles POST /anchors/:entityID/approve.
func (h *AnchorHandler) Approve(c *gin.Context) {
	h.resolve(c, h.coord.Approve)
}

// Reject handles POST /anchors/:entityID/reject.
func (h *AnchorHandler) Reject(c *gin.Context) {
	h.resolve(c, h.coord.Reject)
}

func (h *AnchorHandler) resolve(c *gin.Context, op func(ctx context.Context, entityID, reason string) (*audit.Record, error)) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := op(c.Request.Context(), c.Param("entityID"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// Resubmit handles POST /anchors/:entityID/resubmit.
func (h *AnchorHandler) Resubmit(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, outcome, err := h.coord.Resubmit(c.Request.Context(), c.Param("entityID"), req.Snapshot)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec, "outcome": outcome})
}

// Backend handles GET /backend.
func (h *AnchorHandler) Backend(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backend": h.coord.CurrentBackend()})
}

// writeError maps the core's typed failures onto HTTP statuses. Callers
// always get a structured body, never a bare 500.
func (h *AnchorHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, canonical.ErrUnhashable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, audit.ErrNoPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrRejected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("anchor operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
