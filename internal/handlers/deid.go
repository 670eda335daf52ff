package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	redisclient "github.com/veilhealth/veil-backend/internal/clients/redis"
	"github.com/veilhealth/veil-backend/internal/domain/deid"
	djobs "github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/jobs"
	"github.com/veilhealth/veil-backend/internal/observability"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/storage"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// DeidHandler owns the job API: upload, status, result download,
// entity listing, operator requeue. Uploads land in the PHI bucket and
// results are read exclusively from the clean bucket; nothing here ever
// serves PHI bucket content back out.
type DeidHandler struct {
	log     *logger.Logger
	store   jobs.Store
	buckets *storage.Pair
	bus     redisclient.JobEventBus

	maxUploadBytes int64
	ocrProvider    string
	phiProvider    string
}

func NewDeidHandler(log *logger.Logger, store jobs.Store, buckets *storage.Pair, bus redisclient.JobEventBus, ocrProvider, phiProvider string) *DeidHandler {
	maxMB := utils.GetEnvAsInt("MAX_FILE_SIZE_MB", 50, log)
	return &DeidHandler{
		log:            log.With("handler", "DeidHandler"),
		store:          store,
		buckets:        buckets,
		bus:            bus,
		maxUploadBytes: int64(maxMB) << 20,
		ocrProvider:    ocrProvider,
		phiProvider:    phiProvider,
	}
}

// POST /api/deidentify
func (h *DeidHandler) Create(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		err := fmt.Errorf("file is %d bytes, limit is %d", fileHeader.Size, h.maxUploadBytes)
		RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large", err)
		return
	}

	level, err := deid.ParseMaskingLevel(c.PostForm("masking_level"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_masking_level", err)
		return
	}
	custom := parseCustomCategories(c.PostForm("custom_categories"))
	if level == deid.MaskingCustom && len(custom) == 0 {
		h.log.Warn("Custom level submitted without categories; job will degrade to safe harbor")
	}

	f, err := fileHeader.Open()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		err := fmt.Errorf("file exceeds %d bytes", h.maxUploadBytes)
		RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large", err)
		return
	}

	mime := mimetype.Detect(data)
	ext, ok := extensionFor(mime.String())
	if !ok {
		err := fmt.Errorf("unsupported content type %s; expected TIFF or PDF", mime.String())
		RespondError(c, http.StatusUnsupportedMediaType, "unsupported_format", err)
		return
	}

	jobID := uuid.New()
	inputKey := "input/" + jobID.String() + ext
	if err := h.buckets.PHI.Upload(c.Request.Context(), inputKey, data, mime.String()); err != nil {
		RespondError(c, http.StatusInternalServerError, "upload_failed", err)
		return
	}
	observability.RecordUploadSize(len(data))

	job := &djobs.DeidJob{
		ID:               jobID,
		Status:           djobs.StatusPending,
		OCRProvider:      h.ocrProvider,
		PHIProvider:      h.phiProvider,
		MaskingLevel:     string(level),
		CustomCategories: marshalCategories(custom),
		InputKey:         inputKey,
		OriginalFilename: fileHeader.Filename,
		ContentType:      mime.String(),
	}
	if err := h.store.CreateJob(c.Request.Context(), job); err != nil {
		// Best effort: do not strand the PHI object behind a job row
		// that never existed.
		if delErr := h.buckets.PHI.Delete(c.Request.Context(), inputKey); delErr != nil {
			h.log.Error("Could not remove orphaned upload", "key", inputKey, "error", delErr)
		}
		RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}
	h.publish(c, job)
	h.log.Info("Job accepted", "job_id", job.ID, "masking_level", job.MaskingLevel, "size_bytes", len(data))

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *DeidHandler) Get(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/result
func (h *DeidHandler) GetResult(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}
	if job.Status != djobs.StatusComplete || job.OutputKey == "" {
		err := fmt.Errorf("job %s is %s; no result yet", job.ID, job.Status)
		RespondError(c, http.StatusNotFound, "result_not_ready", err)
		return
	}
	data, err := h.buckets.Clean.Download(c.Request.Context(), job.OutputKey)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "result_unavailable", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "deidentified-"+job.ID.String()+".tiff"))
	c.Data(http.StatusOK, "image/tiff", data)
}

// GET /api/jobs/:id/entities
func (h *DeidHandler) GetEntities(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}
	entities, err := h.store.ListEntities(c.Request.Context(), job.ID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "entities_unavailable", err)
		return
	}
	RespondOK(c, gin.H{"job_id": job.ID, "entities": entities})
}

// GET /api/jobs
func (h *DeidHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	list, total, err := h.store.ListJobs(c.Request.Context(), status, page, pageSize)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": list, "total": total, "page": page, "page_size": pageSize})
}

// POST /api/jobs/:id/requeue
func (h *DeidHandler) Requeue(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}
	err := h.store.RequeueFailed(c.Request.Context(), job.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err := fmt.Errorf("job %s is %s; only failed jobs can be requeued", job.ID, job.Status)
		RespondError(c, http.StatusConflict, "not_requeueable", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "requeue_failed", err)
		return
	}
	job.Status = djobs.StatusPending
	job.RetryCount = 0
	h.publish(c, job)
	h.log.Info("Job requeued by operator", "job_id", job.ID)
	RespondOK(c, gin.H{"job_id": job.ID, "status": djobs.StatusPending})
}

func (h *DeidHandler) lookupJob(c *gin.Context) (*djobs.DeidJob, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return nil, false
	}
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return nil, false
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("job %s not found", jobID))
		return nil, false
	}
	return job, true
}

func (h *DeidHandler) publish(c *gin.Context, job *djobs.DeidJob) {
	if h.bus == nil {
		return
	}
	ev := redisclient.JobEvent{JobID: job.ID, Status: job.Status, RetryCount: job.RetryCount}
	if err := h.bus.Publish(c.Request.Context(), ev); err != nil {
		h.log.Warn("Could not publish job event", "job_id", job.ID, "error", err)
	}
}

// extensionFor admits exactly the two supported input formats.
func extensionFor(mime string) (string, bool) {
	switch mime {
	case "image/tiff":
		return ".tiff", true
	case "application/pdf":
		return ".pdf", true
	default:
		return "", false
	}
}

// parseCustomCategories accepts a JSON array or a comma-separated list.
func parseCustomCategories(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return cleanCategories(out)
		}
	}
	return cleanCategories(strings.Split(raw, ","))
}

func cleanCategories(in []string) []string {
	var out []string
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func marshalCategories(categories []string) datatypes.JSON {
	if len(categories) == 0 {
		return nil
	}
	raw, err := json.Marshal(categories)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
