package webapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/transport"
)

// taskIDParam extracts and validates the :id path segment shared by
// GET/DELETE /api/tasks/:id.
func taskIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.store.ListAllTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

type createTaskRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	RepoPath    string `json:"repo_path" binding:"required"`
	NotifyChat  string `json:"notify_chat"`
	MaxAttempts int    `json:"max_attempts"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	id, err := s.store.CreateTask(c.Request.Context(), store.PipelineTask{
		Title:       req.Title,
		Description: req.Description,
		RepoPath:    req.RepoPath,
		Status:      store.StatusBacklog,
		MaxAttempts: req.MaxAttempts,
		CreatedBy:   "dashboard",
		NotifyChat:  req.NotifyChat,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	outputs, err := s.store.OutputsFor(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "outputs": outputs})
}

func (s *Server) deleteTask(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listQueue(c *gin.Context) {
	entries, err := s.store.ListQueued(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	queue, err := s.store.ListQueued(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	phases, err := s.store.PhaseMetrics(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	active := 0
	if s.chats != nil {
		active = s.chats.ActiveAgents()
	}

	c.JSON(http.StatusOK, gin.H{
		"active_tasks":  len(tasks),
		"queue_depth":   len(queue),
		"active_agents": active,
		"phase_metrics": phases,
	})
}

func (s *Server) postRelease(c *gin.Context) {
	if s.driver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline driver not configured"})
		return
	}
	if err := s.driver.TriggerRelease(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "release triggered"})
}

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

// postChat pushes a dashboard-originated message onto the shared inbox via
// WebChannel.Push, the same path every other transport's poll loop uses.
func (s *Server) postChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.web == nil || s.inbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dashboard chat channel not configured"})
		return
	}
	s.web.Push(s.inbox, transport.IncomingMessage{
		Text:        req.Text,
		Sender:      "dashboard",
		SenderName:  "dashboard",
		MentionsBot: true,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
