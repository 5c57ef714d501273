package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/middleware"
	"github.com/uplinkd/uplink/pkg/session"
	"github.com/uplinkd/uplink/pkg/types"
)

// API wires the upload endpoint onto a gin router. Actions are
// dispatched via the ?action= query parameter: chunk, complete, status.
type API struct {
	registry *session.Registry
	apiKey   string
	limiter  *middleware.Limiter
	logger   *log.Logger
}

func NewAPI(registry *session.Registry, apiKey string, limiter *middleware.Limiter) *API {
	return &API{
		registry: registry,
		apiKey:   apiKey,
		limiter:  limiter,
		logger:   log.Default(),
	}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.Use(middleware.RequestLogger(a.logger))

	router.GET("/health", a.health)

	api := router.Group("/api")
	if a.limiter != nil {
		api.Use(middleware.RateLimit(a.limiter))
	}
	api.Use(middleware.APIKeyAuth(a.apiKey))

	api.POST("/upload", a.handleUpload)
	api.GET("/stats", a.stats)
}

// health probes the session store so load balancers stop routing to an
// instance whose database went away.
func (a *API) health(c *gin.Context) {
	if err := a.registry.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
			"time":   time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (a *API) stats(c *gin.Context) {
	c.JSON(http.StatusOK, a.registry.Metrics().Snapshot())
}

func (a *API) handleUpload(c *gin.Context) {
	switch c.Query("action") {
	case "chunk":
		a.handleChunk(c)
	case "complete":
		a.handleComplete(c)
	case "status":
		a.handleStatus(c)
	default:
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Unknown action, expected chunk, complete or status"})
	}
}

func (a *API) handleChunk(c *gin.Context) {
	ownerID := c.GetString(middleware.OwnerKey)

	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid chunkIndex"})
		return
	}
	totalChunks, err := strconv.Atoi(c.PostForm("totalChunks"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid totalChunks"})
		return
	}
	fileSize, err := strconv.ParseInt(c.PostForm("fileSize"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid fileSize"})
		return
	}

	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "No chunk provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Failed to read chunk"})
		return
	}

	meta := types.ChunkMeta{
		UploadID:      c.PostForm("fileId"),
		OwnerID:       ownerID,
		WorkspaceID:   c.PostForm("workspaceId"),
		ChunkIndex:    chunkIndex,
		TotalChunks:   totalChunks,
		FileName:      c.PostForm("fileName"),
		MimeType:      c.PostForm("mimeType"),
		FileSizeBytes: fileSize,
	}

	received, total, err := a.registry.RecordChunk(c.Request.Context(), meta, data)
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.ChunkResponse{
		UploadID:   meta.UploadID,
		ChunkIndex: chunkIndex,
		Received:   received,
		Total:      total,
	})
}

func (a *API) handleComplete(c *gin.Context) {
	var req types.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid request body"})
		return
	}

	record, err := a.registry.Complete(c.Request.Context(), req.UploadID, c.GetString(middleware.OwnerKey))
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.CompleteResponse{
		ID:        record.ID,
		Name:      record.Name,
		Size:      record.SizeBytes,
		MimeType:  record.MimeType,
		CreatedAt: record.CreatedAt,
	})
}

func (a *API) handleStatus(c *gin.Context) {
	var req types.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid request body"})
		return
	}

	status, err := a.registry.GetStatus(c.Request.Context(), req.UploadID, c.GetString(middleware.OwnerKey))
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (a *API) respondError(c *gin.Context, err error) {
	var incomplete *apperrors.IncompleteError
	if errors.As(err, &incomplete) {
		c.JSON(http.StatusBadRequest, types.IncompleteResponse{
			Error:         "Upload incomplete",
			MissingChunks: incomplete.MissingChunks,
			Received:      incomplete.Received,
			Total:         incomplete.Total,
		})
		return
	}

	status := apperrors.StatusCode(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("upload request failed", "error", err)
		a.registry.Metrics().UploadFailed()
	}
	c.JSON(status, types.ErrorResponse{Error: err.Error()})
}
