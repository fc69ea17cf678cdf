package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"scenereel/artifact"
	"scenereel/config"
	"scenereel/fetch"
	"scenereel/task"
)

// Locator resolves a published output for download.
type Locator interface {
	Locate(ctx context.Context, ref string) (artifact.Location, error)
}

type Handler struct {
	taskManager *task.Manager
	artifacts   Locator
	cfg         *config.Config
	logger      zerolog.Logger
}

func NewHandler(tm *task.Manager, artifacts Locator, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		artifacts:   artifacts,
		cfg:         cfg,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// taskResponse is a task as clients see it.
type taskResponse struct {
	task.Task
	DownloadURL string `json:"downloadUrl,omitempty"`
}

var errTooLarge = errors.New("upload exceeds MAX_INPUT_SIZE")

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "scenereel"})
}

func (h *Handler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "scenereel",
		"description": "Two-pass scene detection and highlight composition for videos",
		"endpoints": gin.H{
			"health":     "GET /health",
			"analyze":    "POST /api/v1/analyze - Submit video for analysis (multipart file or JSON url)",
			"status":     "GET /api/v1/tasks/{taskId} - Check task status",
			"download":   "GET /api/v1/tasks/{taskId}/download - Download result video",
			"listTasks":  "GET /api/v1/tasks - List all tasks",
			"cleanup":    "POST /api/v1/cleanup/{taskId} - Remove a task and its files",
			"cleanupAll": "DELETE /api/v1/cleanup - Remove all finished tasks",
			"metrics":    "GET /metrics",
		},
	})
}

// analyzeURLRequest submits a remote video fetched when the task runs.
type analyzeURLRequest struct {
	URL  string `json:"url" binding:"required"`
	Name string `json:"name"`
}

// handleAnalyze stores the uploaded video, or records the posted URL, and
// queues a task for it.
func (h *Handler) handleAnalyze(c *gin.Context) {
	if c.ContentType() == gin.MIMEJSON {
		h.handleAnalyzeURL(c)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if header.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No filename provided"})
		return
	}
	if h.cfg.MaxInputSize > 0 && header.Size > h.cfg.MaxInputSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errTooLarge.Error()})
		return
	}

	path, err := h.saveUpload(header.Filename, func() (io.ReadCloser, error) { return header.Open() })
	if errors.Is(err, errTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save upload", "details": err.Error()})
		return
	}

	if !h.submit(c, task.Source{Path: path, Name: filepath.Base(header.Filename), Owned: true}) {
		os.Remove(path)
	}
}

func (h *Handler) handleAnalyzeURL(c *gin.Context) {
	var req analyzeURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON field 'url' is required", "details": err.Error()})
		return
	}
	if err := fetch.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, task.Source{URL: req.URL, Name: req.Name})
}

// submit queues src and writes the response. It reports whether a task was
// created.
func (h *Handler) submit(c *gin.Context, src task.Source) bool {
	t, err := h.taskManager.Submit(c.Request.Context(), src)
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return false
	}

	c.JSON(http.StatusAccepted, gin.H{
		"taskId":  t.ID,
		"status":  t.Status,
		"message": fmt.Sprintf("Video submitted for analysis. Check status with /api/v1/tasks/%s", t.ID),
	})
	return true
}

// saveUpload copies the upload into UPLOAD_DIR, enforcing MAX_INPUT_SIZE on
// the bytes actually read.
func (h *Handler) saveUpload(filename string, open func() (io.ReadCloser, error)) (string, error) {
	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	src, err := open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(h.cfg.UploadDir, "upload_"+shortuuid.New()+strings.ToLower(filepath.Ext(filename)))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}

	var r io.Reader = src
	if h.cfg.MaxInputSize > 0 {
		r = io.LimitReader(src, h.cfg.MaxInputSize+1)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && h.cfg.MaxInputSize > 0 && n > h.cfg.MaxInputSize {
		err = errTooLarge
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// handleListTasks lists tasks, optionally filtered by ?status=.
func (h *Handler) handleListTasks(c *gin.Context) {
	var status task.Status
	if s := c.Query("status"); s != "" {
		st, err := task.ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = st
	}

	tasks, err := h.taskManager.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = h.respond(c, t)
	}
	c.JSON(http.StatusOK, gin.H{"total": len(out), "tasks": out})
}

// respond attaches the download URL of a completed task.
func (h *Handler) respond(c *gin.Context, t task.Task) taskResponse {
	resp := taskResponse{Task: t}
	if t.Status != task.StatusCompleted || t.OutputRef == "" {
		return resp
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	resp.DownloadURL = fmt.Sprintf("%s/api/v1/tasks/%s/download", baseURL, t.ID)
	return resp
}

func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.taskManager.Get(c.Request.Context(), taskID)
	if err != nil {
		h.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.respond(c, t))
}

// handleDownload streams a local output or redirects to its remote URL.
func (h *Handler) handleDownload(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.taskManager.Get(c.Request.Context(), taskID)
	if err != nil {
		h.taskError(c, err)
		return
	}
	if t.Status != task.StatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Task is in %s status. Cannot download incomplete task.", t.Status),
		})
		return
	}
	if t.OutputRef == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output file not found"})
		return
	}

	loc, err := h.artifacts.Locate(c.Request.Context(), t.OutputRef)
	if errors.Is(err, artifact.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output file not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("task", taskID).Msg("failed to locate output")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if loc.URL != "" {
		c.Redirect(http.StatusFound, loc.URL)
		return
	}
	c.FileAttachment(loc.Path, filepath.Base(loc.Path))
}

// handleCleanup removes one task and its files, whatever its state.
func (h *Handler) handleCleanup(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.taskManager.Cleanup(c.Request.Context(), taskID); err != nil {
		h.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Task %s cleaned up successfully", taskID)})
}

func (h *Handler) handleCleanupAll(c *gin.Context) {
	removed, err := h.taskManager.CleanupAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      "Cleanup completed",
		"removedTasks": removed,
		"count":        len(removed),
	})
}

func (h *Handler) taskError(c *gin.Context, err error) {
	if task.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error().Err(err).Msg("task lookup failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
