package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/eutimioliusbel/pfamirror/middlewares"
)

// NewRouter wires the API surface. Every route sits behind the auth
// middleware; anonymous requests fail in the handlers' identity check.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.AuthMiddleware())

	api := r.Group("/api")
	{
		api.POST("/sources/:sourceId/ingest", h.TriggerIngestion)
		api.GET("/sources/:sourceId/progress", h.IngestionProgress)
		api.GET("/sources/:sourceId/batches", h.ListBatches)
		api.GET("/sources/:sourceId/drift", h.DriftAlerts)
		api.GET("/batches/:batchId", h.BatchDetail)
		api.POST("/batches/:batchId/transform", h.TransformBatch)
		api.POST("/records/:externalId/modifications", h.SubmitModification)
		api.GET("/conflicts", h.ListConflicts)
		api.POST("/conflicts/:conflictId/resolve", h.ResolveConflict)
		api.GET("/queue/failed", h.ListDeadLetters)
		api.POST("/queue/:itemId/redrive", h.RedriveItem)
	}
	return r
}
