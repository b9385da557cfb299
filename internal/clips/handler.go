package clips

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenclip/backend/internal/models"
	"github.com/screenclip/backend/pkg/queue"
	"github.com/screenclip/backend/pkg/response"
	"github.com/screenclip/backend/pkg/storage"
)

// MaxUploadBytes bounds a single clip upload. A 3-minute VP8/Opus WebM stays
// well under this.
const MaxUploadBytes = 256 * 1024 * 1024

// ClipStore is the metadata persistence used by the handler.
type ClipStore interface {
	Create(ctx context.Context, c *models.Clip) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error)
	List(ctx context.Context) ([]models.Clip, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// BlobStore is the payload persistence used by the handler.
type BlobStore interface {
	Put(id string, r io.Reader) (int64, error)
	Open(id string) (io.ReadSeekCloser, int64, error)
	Remove(id string) error
}

// Archiver enqueues background S3 archive jobs. Nil disables archiving.
type Archiver interface {
	EnqueueClipArchive(ctx context.Context, payload queue.ClipArchivePayload) error
}

// Handler handles clip persistence HTTP endpoints.
type Handler struct {
	store    ClipStore
	blobs    BlobStore
	s3       *storage.S3 // optional: presigned archive downloads
	archiver Archiver    // optional
	logger   *zap.Logger
}

// NewHandler creates a clips handler. s3 and archiver may be nil.
func NewHandler(store ClipStore, blobs BlobStore, s3 *storage.S3, archiver Archiver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, blobs: blobs, s3: s3, archiver: archiver, logger: logger}
}

type uploadForm struct {
	DurationSec int `form:"duration_sec"`
}

// Upload handles POST /clips: multipart payload in the "file" field plus an
// optional duration_sec form value. Stores the blob, inserts the metadata
// row, and enqueues the archive job.
func (h *Handler) Upload(c *gin.Context) {
	var form uploadForm
	_ = c.ShouldBind(&form)
	if form.DurationSec < 0 || form.DurationSec > 180 {
		response.BadRequest(c, "duration_sec must be between 0 and 180")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file field")
		return
	}
	defer file.Close()
	if header.Size > MaxUploadBytes {
		response.BadRequest(c, "file too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/webm"
	}

	clip := &models.Clip{
		Filename:    header.Filename,
		ContentType: contentType,
		SizeBytes:   header.Size,
		DurationSec: form.DurationSec,
		Status:      models.ClipStatusStored,
	}
	if err := h.store.Create(c.Request.Context(), clip); err != nil {
		h.logger.Error("create clip row failed", zap.Error(err))
		response.Internal(c, "failed to save clip")
		return
	}

	written, err := h.blobs.Put(clip.ID.String(), file)
	if err != nil {
		_ = h.store.Delete(c.Request.Context(), clip.ID)
		h.logger.Error("store clip payload failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		response.Internal(c, "failed to save clip")
		return
	}
	clip.SizeBytes = written

	if h.archiver != nil {
		if err := h.archiver.EnqueueClipArchive(c.Request.Context(), queue.ClipArchivePayload{ClipID: clip.ID}); err != nil {
			// Archiving is best effort; the local copy is authoritative.
			h.logger.Warn("enqueue archive job failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		}
	}

	h.logger.Info("clip stored",
		zap.String("clip_id", clip.ID.String()),
		zap.String("filename", clip.Filename),
		zap.Int64("size", clip.SizeBytes),
	)
	response.Created(c, clip)
}

// List handles GET /clips: all stored clip metadata, newest first.
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list clips failed", zap.Error(err))
		response.Internal(c, "failed to list clips")
		return
	}
	if list == nil {
		list = []models.Clip{}
	}
	response.OK(c, list)
}

// Get handles GET /clips/:id: single metadata row or 404.
func (h *Handler) Get(c *gin.Context) {
	clip, ok := h.lookup(c)
	if !ok {
		return
	}
	response.OK(c, clip)
}

// Content handles GET /clips/:id/content: streams the stored payload.
func (h *Handler) Content(c *gin.Context) {
	clip, ok := h.lookup(c)
	if !ok {
		return
	}
	r, size, err := h.blobs.Open(clip.ID.String())
	if err != nil {
		h.logger.Warn("clip payload missing", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		response.NotFound(c, "clip payload not found")
		return
	}
	defer r.Close()
	c.DataFromReader(http.StatusOK, size, clip.ContentType, r, map[string]string{
		"Content-Disposition": `inline; filename="` + clip.Filename + `"`,
	})
}

// DownloadURL handles GET /clips/:id/download-url: presigned S3 URL for an
// archived clip.
func (h *Handler) DownloadURL(c *gin.Context) {
	clip, ok := h.lookup(c)
	if !ok {
		return
	}
	if clip.Status != models.ClipStatusArchived || clip.ArchiveKey == "" {
		response.BadRequest(c, "clip is not archived")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "archive storage not configured")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.ClipsBucket(), clip.ArchiveKey, expire)
	if err != nil {
		h.logger.Error("presign clip download failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// Delete handles DELETE /clips/:id: removes metadata, local payload, and the
// archived object when present.
func (h *Handler) Delete(c *gin.Context) {
	clip, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), clip.ID); err != nil {
		h.logger.Error("delete clip row failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		response.Internal(c, "failed to delete clip")
		return
	}
	if err := h.blobs.Remove(clip.ID.String()); err != nil {
		h.logger.Warn("delete clip payload failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
	}
	if h.s3 != nil && clip.ArchiveKey != "" {
		if err := h.s3.DeleteClip(c.Request.Context(), clip.ArchiveKey); err != nil {
			h.logger.Warn("delete archived clip failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		}
	}
	response.NoContent(c)
}

func (h *Handler) lookup(c *gin.Context) (*models.Clip, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid clip id")
		return nil, false
	}
	clip, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get clip failed", zap.Error(err), zap.String("clip_id", id.String()))
		response.Internal(c, "failed to load clip")
		return nil, false
	}
	if clip == nil {
		response.NotFound(c, "clip not found")
		return nil, false
	}
	return clip, true
}
