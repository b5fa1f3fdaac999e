package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sevir/escolta/internal/mediation"
	"github.com/sevir/escolta/internal/store"
	"github.com/sevir/escolta/pkg/models"
)

func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/api/events", gin.WrapF(s.handleEvents))

	api := r.Group("/api")
	{
		api.GET("/version", s.handleVersion)
		api.POST("/tasks", s.handleTaskStart)
		api.GET("/tasks", s.handleTasksList)
		api.GET("/tasks/:id", s.handleTaskGet)
		api.DELETE("/tasks/:id", s.handleTaskDelete)
		api.POST("/tasks/:id/cancel", s.handleTaskCancel)
		api.POST("/tasks/:id/interrupt", s.handleTaskInterrupt)
		api.POST("/tasks/:id/respond", s.handleTaskRespond)
		api.POST("/mediation/:id/respond", s.handleMediationRespond)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"active_task":        s.scheduler.ActiveTaskID(),
		"queued":             s.scheduler.QueueLength(),
		"pending_mediations": s.mediation.PendingCount(),
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleTaskStart(c *gin.Context) {
	var req models.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.scheduler.Start(req, s.TaskSink())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

func (s *Server) handleTasksList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := s.store.List(store.ListFilter{Status: statuses})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, t.ToSummary())
	}

	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) handleTaskGet(c *gin.Context) {
	task, err := s.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleTaskDelete(c *gin.Context) {
	id := c.Param("id")

	// Deletion belongs to the Host Boundary, but never of a live task.
	if s.scheduler.HasActiveTask(id) || s.scheduler.IsTaskQueued(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is active or queued"})
		return
	}

	if err := s.store.Delete(id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTaskCancel is idempotent: cancelling an unknown or finished
// task is a tolerated race with the UI, not an error.
func (s *Server) handleTaskCancel(c *gin.Context) {
	id := c.Param("id")
	s.scheduler.CancelTask(id)
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (s *Server) handleTaskInterrupt(c *gin.Context) {
	id := c.Param("id")
	s.scheduler.InterruptTask(id)
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (s *Server) handleTaskRespond(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if err := s.scheduler.SendResponse(c.Param("id"), req.Text); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (s *Server) handleMediationRespond(c *gin.Context) {
	var req struct {
		Decision        string   `json:"decision"`
		SelectedOptions []string `json:"selectedOptions,omitempty"`
		CustomText      string   `json:"customText,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Decision != "allow" && req.Decision != "deny" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be allow or deny"})
		return
	}

	resolved := s.mediation.Respond(c.Param("id"), mediation.Outcome{
		Allowed:         req.Decision == "allow",
		Denied:          req.Decision == "deny",
		SelectedOptions: req.SelectedOptions,
		CustomText:      req.CustomText,
	})

	// An unknown id means the request was already handled or never
	// issued; both are soft no-ops for the caller.
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func parseStatusQuery(c *gin.Context) ([]models.TaskStatus, error) {
	raw := c.QueryArray("status")
	if len(raw) == 0 {
		if v := strings.TrimSpace(c.Query("status")); v != "" {
			raw = strings.Split(v, ",")
		}
	}

	var statuses []models.TaskStatus
	for _, part := range raw {
		st := models.TaskStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		switch st {
		case models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusCompleted,
			models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusInterrupted:
			statuses = append(statuses, st)
		default:
			return nil, &apiError{msg: "invalid status"}
		}
	}

	return statuses, nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }
