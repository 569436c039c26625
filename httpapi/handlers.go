package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eutimioliusbel/pfamirror/conflict"
	"github.com/eutimioliusbel/pfamirror/drift"
	"github.com/eutimioliusbel/pfamirror/ingest"
	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
	"github.com/eutimioliusbel/pfamirror/transform"
	"github.com/eutimioliusbel/pfamirror/utils"
	"github.com/eutimioliusbel/pfamirror/writeback"
)

// Permission actions gated by the authorization collaborator.
const (
	ActionTriggerSync     = "sync:trigger"
	ActionResolveConflict = "conflict:resolve"
	ActionRedriveQueue    = "queue:redrive"
)

// PermissionPredicate is the already-evaluated policy decision supplied by
// the authorization collaborator. The engine never evaluates policy itself.
type PermissionPredicate func(ctx context.Context, callerId string, action string) bool

// AllowAll is the predicate for deployments without an authorization
// collaborator.
func AllowAll(context.Context, string, string) bool { return true }

type Handlers struct {
	Runner    *ingest.Runner
	Pipeline  *transform.Pipeline
	Drift     *drift.Detector
	Submitter *conflict.Submitter
	Resolver  *conflict.Resolver
	Worker    *writeback.Worker
	Progress  *ingest.ProgressTracker
	Batches   store.BatchStore
	Conflicts store.ConflictStore
	Permitted PermissionPredicate
	Tracer    trace.Tracer
	Logger    *logrus.Logger
}

func (h *Handlers) tracer() trace.Tracer {
	if h.Tracer != nil {
		return h.Tracer
	}
	return otel.Tracer("pfamirror/httpapi")
}

// bindError reports a request binding failure, flattening field-level
// validation errors when present.
func bindError(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handlers) caller(c *gin.Context) (tenantId string, callerId string, ok bool) {
	ctx := c.Request.Context()
	tenantId, ok = utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	callerId, _ = utils.GetCallerIdFromContext(ctx)
	return tenantId, callerId, true
}

func (h *Handlers) permitted(c *gin.Context, callerId string, action string) bool {
	if h.Permitted != nil && !h.Permitted(c.Request.Context(), callerId, action) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

type triggerIngestionRequest struct {
	Mode string `json:"mode" binding:"omitempty,oneof=full delta"`
}

// TriggerIngestion starts a run in the background; the caller polls the
// progress endpoint for the batch id and terminal state.
func (h *Handlers) TriggerIngestion(c *gin.Context) {
	tenantId, callerId, ok := h.caller(c)
	if !ok {
		return
	}
	if !h.permitted(c, callerId, ActionTriggerSync) {
		return
	}
	sourceId, ok := uintParam(c, "sourceId")
	if !ok {
		return
	}
	var req triggerIngestionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		bindError(c, err)
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = models.SyncTypeDelta
	}

	ctx, span := h.tracer().Start(c.Request.Context(), "ingestion.trigger", trace.WithAttributes(
		attribute.String("tenant_id", tenantId),
		attribute.Int64("source_id", int64(sourceId)),
		attribute.String("mode", mode),
	))
	defer span.End()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := h.Runner.Start(runCtx, tenantId, sourceId, mode, callerId); err != nil && !errors.Is(err, ingest.ErrRunActive) {
			h.Logger.WithFields(logrus.Fields{
				"tenant_id": tenantId,
				"source_id": sourceId,
			}).WithError(err).Error("httpapi: background ingestion")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"source_id": sourceId, "mode": mode, "status": "started"})
}

func (h *Handlers) IngestionProgress(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	sourceId, ok := uintParam(c, "sourceId")
	if !ok {
		return
	}
	if p, found := h.Progress.Get(c.Request.Context(), tenantId, sourceId); found {
		c.JSON(http.StatusOK, p)
		return
	}
	// Redis expired or absent; fall back to the latest batch row.
	batches, err := h.Batches.Recent(c.Request.Context(), tenantId, sourceId, 1)
	if err != nil || len(batches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no runs recorded"})
		return
	}
	c.JSON(http.StatusOK, ingest.Progress{
		BatchId:          batches[0].ID,
		Status:           batches[0].Status,
		ProcessedRecords: batches[0].RecordCount,
	})
}

func (h *Handlers) ListBatches(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	sourceId, ok := uintParam(c, "sourceId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	batches, err := h.Batches.Recent(c.Request.Context(), tenantId, sourceId, limit)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (h *Handlers) BatchDetail(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	batchId, ok := uintParam(c, "batchId")
	if !ok {
		return
	}
	batch, err := h.Batches.Get(c.Request.Context(), tenantId, batchId)
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	syncErrors, err := h.Batches.ErrorsForBatch(c.Request.Context(), batchId)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch, "errors": syncErrors})
}

func (h *Handlers) DriftAlerts(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	sourceId, ok := uintParam(c, "sourceId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	alerts, err := h.Drift.RecentAlerts(c.Request.Context(), tenantId, sourceId, limit)
	if err != nil {
		h.serverError(c, err)
		return
	}
	active, err := h.Drift.ActiveDrift(c.Request.Context(), tenantId, sourceId, limit)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active, "alerts": alerts})
}

type transformRequest struct {
	AsOf *time.Time `json:"as_of"`
}

func (h *Handlers) TransformBatch(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	batchId, ok := uintParam(c, "batchId")
	if !ok {
		return
	}
	var req transformRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		bindError(c, err)
		return
	}
	result, err := h.Pipeline.Run(c.Request.Context(), tenantId, batchId, req.AsOf)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

type submitModificationRequest struct {
	Delta    map[string]any `json:"delta" binding:"required"`
	Priority int            `json:"priority"`
}

func (h *Handlers) SubmitModification(c *gin.Context) {
	tenantId, callerId, ok := h.caller(c)
	if !ok {
		return
	}
	externalId := c.Param("externalId")
	var req submitModificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	mod, assessment, err := h.Submitter.Submit(c.Request.Context(), tenantId, externalId, req.Delta, req.Priority, callerId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if errors.Is(err, conflict.ErrEmptyDelta) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.serverError(c, err)
		return
	}
	status := http.StatusCreated
	if assessment.HasConflict {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"modification": mod, "assessment": assessment})
}

func (h *Handlers) ListConflicts(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	status := c.DefaultQuery("status", models.ConflictStatusUnresolved)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	conflicts, err := h.Conflicts.List(c.Request.Context(), tenantId, status, limit)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolveConflictRequest struct {
	Strategy   string          `json:"strategy" binding:"required,oneof=use_local use_pems merge"`
	MergedData json.RawMessage `json:"merged_data"`
}

func (h *Handlers) ResolveConflict(c *gin.Context) {
	_, callerId, ok := h.caller(c)
	if !ok {
		return
	}
	if !h.permitted(c, callerId, ActionResolveConflict) {
		return
	}
	conflictId, ok := uintParam(c, "conflictId")
	if !ok {
		return
	}
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	err := h.Resolver.Resolve(c.Request.Context(), conflictId, req.Strategy, req.MergedData, callerId)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"conflict_id": conflictId, "status": models.ConflictStatusResolved})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found"})
	case errors.Is(err, store.ErrConflictResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict already resolved"})
	case errors.Is(err, conflict.ErrMergeDataNeeded), errors.Is(err, conflict.ErrUnknownStrategy):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.serverError(c, err)
	}
}

func (h *Handlers) ListDeadLetters(c *gin.Context) {
	tenantId, _, ok := h.caller(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.Worker.DeadLetters(c.Request.Context(), tenantId, limit)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handlers) RedriveItem(c *gin.Context) {
	_, callerId, ok := h.caller(c)
	if !ok {
		return
	}
	if !h.permitted(c, callerId, ActionRedriveQueue) {
		return
	}
	itemId, ok := uintParam(c, "itemId")
	if !ok {
		return
	}
	err := h.Worker.Redrive(c.Request.Context(), itemId)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"item_id": itemId, "status": models.QueueStatusQueued})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "queue item not found"})
	case errors.Is(err, store.ErrNotRedrivable):
		c.JSON(http.StatusConflict, gin.H{"error": "queue item is not dead-lettered"})
	default:
		h.serverError(c, err)
	}
}

func (h *Handlers) serverError(c *gin.Context, err error) {
	h.Logger.WithError(err).Error("httpapi: request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *Handlers) notFoundOrError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.serverError(c, err)
}
