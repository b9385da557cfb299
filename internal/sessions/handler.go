// Package sessions exposes the recording session controller over HTTP:
// start/stop/status, artifact preview and download, and persisting a
// finished artifact to the clips backend.
package sessions

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/screenclip/backend/internal/capture"
	"github.com/screenclip/backend/internal/clips"
	"github.com/screenclip/backend/internal/models"
	"github.com/screenclip/backend/internal/session"
	"github.com/screenclip/backend/pkg/queue"
	"github.com/screenclip/backend/pkg/response"
)

// Handler binds controller operations to HTTP endpoints.
type Handler struct {
	ctrl     *session.Controller
	store    clips.ClipStore // optional: nil disables persistence
	blobs    clips.BlobStore
	archiver clips.Archiver // optional
	logger   *zap.Logger
}

// NewHandler creates a sessions handler. store/blobs/archiver may be nil
// when the persistence backend is disabled.
func NewHandler(ctrl *session.Controller, store clips.ClipStore, blobs clips.BlobStore, archiver clips.Archiver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ctrl: ctrl, store: store, blobs: blobs, archiver: archiver, logger: logger}
}

// Register mounts the session routes on the given router group.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/session/start", h.Start)
	r.POST("/session/stop", h.Stop)
	r.GET("/session/status", h.Status)
	r.GET("/session/history", h.History)
	r.POST("/session/preview/toggle", h.TogglePreview)
	r.GET("/artifacts/:id", h.Artifact)
	r.GET("/artifacts/:id/download", h.Download)
	r.DELETE("/artifacts/:id", h.Evict)
	r.POST("/artifacts/:id/persist", h.Persist)
}

// Start handles POST /session/start.
func (h *Handler) Start(c *gin.Context) {
	err := h.ctrl.Start(c.Request.Context())
	switch {
	case err == nil:
		response.OK(c, h.ctrl.Status())
	case errors.Is(err, session.ErrAlreadyActive):
		response.Conflict(c, err.Error())
	case errors.Is(err, capture.ErrPermissionDenied):
		response.Forbidden(c, "capture permission denied")
	case errors.Is(err, capture.ErrNoDevice):
		response.BadRequest(c, "capture device unavailable")
	case errors.Is(err, capture.ErrCancelled):
		response.BadRequest(c, "capture request cancelled")
	default:
		h.logger.Error("start recording failed", zap.Error(err))
		response.Internal(c, "failed to start recording")
	}
}

// Stop handles POST /session/stop.
func (h *Handler) Stop(c *gin.Context) {
	if err := h.ctrl.Stop(c.Request.Context()); err != nil {
		h.logger.Error("stop recording failed", zap.Error(err))
		response.Internal(c, "recording could not be completed")
		return
	}
	response.OK(c, h.ctrl.Status())
}

// Status handles GET /session/status.
func (h *Handler) Status(c *gin.Context) {
	response.OK(c, h.ctrl.Status())
}

// History handles GET /session/history: artifact metadata, newest first.
func (h *Handler) History(c *gin.Context) {
	list := h.ctrl.History()
	out := make([]gin.H, 0, len(list))
	for _, a := range list {
		out = append(out, gin.H{
			"id":         a.ID,
			"handle":     a.Handle,
			"duration":   a.Duration,
			"created_at": a.CreatedAt,
			"size":       a.Size,
			"filename":   session.DownloadFilename(a),
		})
	}
	response.OK(c, out)
}

// TogglePreview handles POST /session/preview/toggle.
func (h *Handler) TogglePreview(c *gin.Context) {
	playing, err := h.ctrl.TogglePreview()
	if err != nil {
		response.NotFound(c, "no recording to preview")
		return
	}
	response.OK(c, gin.H{"playing": playing})
}

func (h *Handler) artifact(c *gin.Context) (*session.Artifact, bool) {
	a := h.ctrl.Get(c.Param("id"))
	if a == nil {
		response.NotFound(c, "recording not found")
		return nil, false
	}
	return a, true
}

// Artifact handles GET /artifacts/:id: streams the payload for preview.
func (h *Handler) Artifact(c *gin.Context) {
	a, ok := h.artifact(c)
	if !ok {
		return
	}
	c.DataFromReader(http.StatusOK, a.Size, "video/webm", bytes.NewReader(a.Payload), map[string]string{
		"Content-Disposition": `inline; filename="` + session.DownloadFilename(a) + `"`,
	})
}

// Download handles GET /artifacts/:id/download: save-to-disk with the
// conventional filename.
func (h *Handler) Download(c *gin.Context) {
	a, ok := h.artifact(c)
	if !ok {
		return
	}
	c.DataFromReader(http.StatusOK, a.Size, "video/webm", bytes.NewReader(a.Payload), map[string]string{
		"Content-Disposition": `attachment; filename="` + session.DownloadFilename(a) + `"`,
	})
}

// Evict handles DELETE /artifacts/:id: removes the artifact from history and
// releases its playback handle.
func (h *Handler) Evict(c *gin.Context) {
	if err := h.ctrl.Evict(c.Param("id")); err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	response.NoContent(c)
}

// Persist handles POST /artifacts/:id/persist: submits the artifact payload
// to the clips backend. Failure leaves the in-memory artifact untouched.
func (h *Handler) Persist(c *gin.Context) {
	if h.store == nil || h.blobs == nil {
		response.ServiceUnavailable(c, "persistence backend not configured")
		return
	}
	a, ok := h.artifact(c)
	if !ok {
		return
	}

	clip := &models.Clip{
		Filename:    session.DownloadFilename(a),
		ContentType: "video/webm",
		SizeBytes:   a.Size,
		DurationSec: a.Duration,
		Status:      models.ClipStatusStored,
	}
	if err := h.store.Create(c.Request.Context(), clip); err != nil {
		h.logger.Error("persist clip row failed", zap.Error(err), zap.String("artifact_id", a.ID))
		response.Internal(c, "failed to persist recording")
		return
	}
	if _, err := h.blobs.Put(clip.ID.String(), bytes.NewReader(a.Payload)); err != nil {
		_ = h.store.Delete(c.Request.Context(), clip.ID)
		h.logger.Error("persist clip payload failed", zap.Error(err), zap.String("artifact_id", a.ID))
		response.Internal(c, "failed to persist recording")
		return
	}
	if h.archiver != nil {
		if err := h.archiver.EnqueueClipArchive(context.WithoutCancel(c.Request.Context()), queue.ClipArchivePayload{ClipID: clip.ID}); err != nil {
			h.logger.Warn("enqueue archive job failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		}
	}

	h.logger.Info("artifact persisted", zap.String("artifact_id", a.ID), zap.String("clip_id", clip.ID.String()))
	response.Created(c, clip)
}
