package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/service"
	"audiobook-queue/internal/storage"
)

// ObjectLister lists archived book objects.
type ObjectLister interface {
	Objects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	tasks    service.TaskService
	archive  ObjectLister
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
}

// NewHandler builds the API handler. archive may be nil when archiving is off.
func NewHandler(tasks service.TaskService, archive ObjectLister, gatherer prometheus.Gatherer, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		tasks:    tasks,
		archive:  archive,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:id", h.getTask)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.POST("/tasks/:id/pause", h.pauseTask)
		api.POST("/tasks/:id/resume", h.resumeTask)
		api.POST("/tasks/:id/cancel", h.cancelTask)
		api.GET("/tasks/:id/progress", h.streamProgress)
		api.GET("/storage/objects", h.listObjects)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type createTaskRequest struct {
	BookID    string            `json:"book_id" binding:"required"`
	SourceURI string            `json:"source_uri" binding:"required"`
	SavePath  string            `json:"save_path"`
	Metadata  map[string]string `json:"metadata"`
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEngineStart):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tasks.CreateTask(c.Request.Context(), service.CreateTaskRequest{
		BookID:    req.BookID,
		SourceURI: req.SourceURI,
		SavePath:  req.SavePath,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if task != nil && errors.Is(err, domain.ErrEngineStart) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "task": taskToResponse(*task)})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, taskToResponse(*task))
}

func (h *Handler) listTasks(c *gin.Context) {
	activeOnly, err := strconv.ParseBool(c.DefaultQuery("active", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag active"})
		return
	}

	tasks, err := h.tasks.ListTasks(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) pauseTask(c *gin.Context) {
	h.applyAndReturn(c, h.tasks.PauseTask)
}

func (h *Handler) resumeTask(c *gin.Context) {
	h.applyAndReturn(c, h.tasks.ResumeTask)
}

func (h *Handler) cancelTask(c *gin.Context) {
	var deleteFiles *bool
	if raw, ok := c.GetQuery("delete_files"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
			return
		}
		deleteFiles = &v
	}
	h.applyAndReturn(c, func(ctx context.Context, id string) error {
		return h.tasks.CancelTask(ctx, id, deleteFiles)
	})
}

// applyAndReturn runs op on the task named in the path and responds with the
// task as it is afterwards.
func (h *Handler) applyAndReturn(c *gin.Context, op func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	task, err := h.tasks.GetTask(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"id": id})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) deleteTask(c *gin.Context) {
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}

	id := c.Param("id")
	if err := h.tasks.DeleteTask(c.Request.Context(), id, deleteFiles); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage service not configured"})
		return
	}

	objects, err := h.archive.Objects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

type TaskResponse struct {
	ID              string             `json:"id"`
	BookID          string             `json:"book_id"`
	SourceURI       string             `json:"source_uri"`
	SavePath        string             `json:"save_path"`
	Status          domain.TaskStatus  `json:"status"`
	Percentage      float64            `json:"percentage"`
	DownloadedBytes int64              `json:"downloaded_bytes"`
	TotalBytes      int64              `json:"total_bytes"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	CompletedAt     *string            `json:"completed_at,omitempty"`
	Files           []TaskFileResponse `json:"files"`
}

type TaskFileResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              task.ID,
		BookID:          task.BookID,
		SourceURI:       task.SourceURI,
		SavePath:        task.SavePath,
		Status:          task.Status,
		Percentage:      domain.Percentage(task.DownloadedBytes, task.TotalBytes),
		DownloadedBytes: task.DownloadedBytes,
		TotalBytes:      task.TotalBytes,
		ErrorMessage:    task.ErrorMessage,
		Metadata:        task.Metadata,
		CreatedAt:       task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.Format(time.RFC3339),
		Files:           make([]TaskFileResponse, len(task.Files)),
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	for i, f := range task.Files {
		resp.Files[i] = TaskFileResponse{
			ID:   f.ID,
			Name: f.Name,
			Path: f.Path,
			Size: f.Size,
		}
	}
	return resp
}
