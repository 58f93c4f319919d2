package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"deepagent/internal/apperr"
	"deepagent/internal/model"
	"deepagent/internal/service"
	"deepagent/internal/store"
)

type TaskHandler struct {
	tasks *service.TaskService
}

func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

func (h *TaskHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// CreateTask submits a task and queues it.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var draft model.TaskDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindValidation.String()})
		return
	}

	task, err := h.tasks.Submit(c.Request.Context(), draft)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"task": task,
	})
}

// ListTasks supports ?status=, ?type=, ?page= and ?page_size=.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	filter := store.Filter{
		Status: model.TaskStatus(c.Query("status")),
		Type:   model.TaskType(c.Query("type")),
	}

	tasks, total, err := h.tasks.List(c.Request.Context(), filter, store.Page{Page: page, PageSize: size})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": total,
		"page":  max(page, 1),
	})
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.tasks.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task": task,
	})
}

func (h *TaskHandler) GetResult(c *gin.Context) {
	res, err := h.tasks.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": res,
	})
}

func (h *TaskHandler) GetLogs(c *gin.Context) {
	logs, err := h.tasks.GetLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs": logs,
	})
}

// CancelTask serves both POST /tasks/:id/cancel and DELETE /tasks/:id.
func (h *TaskHandler) CancelTask(c *gin.Context) {
	task, err := h.tasks.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	msg := "task cancelled"
	if task.Status == model.StatusRunning {
		msg = "cancellation requested"
	}
	c.JSON(http.StatusOK, gin.H{
		"task":    task,
		"message": msg,
	})
}

func (h *TaskHandler) QueueStats(c *gin.Context) {
	stats, err := h.tasks.QueueStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}
