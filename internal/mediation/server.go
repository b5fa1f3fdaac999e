// Package mediation runs the two HTTP listeners the agent process calls
// when it needs a human or policy decision: one for file permissions,
// one for questions. A handler registers the request in a correlation
// registry and holds the HTTP response open until someone resolves it,
// or answers immediately from the allowlist in non-interactive mode.
package mediation

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sevir/escolta/internal/allowlist"
	"github.com/sevir/escolta/internal/correlate"
	"github.com/sevir/escolta/pkg/models"
)

// Mode selects how mediation requests are resolved.
type Mode string

const (
	// ModeInteractive holds requests open until the Host Boundary
	// answers them. No timeout is imposed here; shutdown fails pending
	// requests safe (deny).
	ModeInteractive Mode = "interactive"
	// ModeAutoApprove answers immediately: permissions from the
	// allowlist, questions with their first option.
	ModeAutoApprove Mode = "auto-approve"
	// ModeAutoDeny answers immediately with a denial.
	ModeAutoDeny Mode = "auto-deny"
)

// ValidMode checks if a mode string is a known enum member.
func ValidMode(m Mode) bool {
	return m == ModeInteractive || m == ModeAutoApprove || m == ModeAutoDeny
}

// Observer is notified of each newly pending request so the Host
// Boundary can surface a prompt. Only used in interactive mode.
type Observer func(models.Event)

// Config holds mediation server configuration.
type Config struct {
	Host           string
	PermissionPort int
	QuestionPort   int
	Mode           Mode
	Rules          allowlist.Policy
	Observer       Observer
}

// Server owns both listeners and their correlation registries.
type Server struct {
	cfg         Config
	permissions *correlate.Registry[models.PermissionDecision]
	questions   *correlate.Registry[models.QuestionAnswer]

	mu          sync.Mutex
	permSrv     *http.Server
	questSrv    *http.Server
	permActive  bool
	questActive bool
}

// New creates a mediation server. It does not listen until Start.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeInteractive
	}
	if cfg.Observer == nil {
		cfg.Observer = func(models.Event) {}
	}
	return &Server{
		cfg:         cfg,
		permissions: correlate.New[models.PermissionDecision](),
		questions:   correlate.New[models.QuestionAnswer](),
	}
}

// Start binds both listeners. A port already in use is non-fatal: that
// mediation category is skipped and logged, the other keeps working.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.PermissionPort)); err != nil {
		log.Printf("mediation_event=port_unavailable kind=permission port=%d err=%v", s.cfg.PermissionPort, err)
	} else {
		s.permSrv = &http.Server{Handler: s.PermissionHandler()}
		s.permActive = true
		go s.permSrv.Serve(ln)
		log.Printf("mediation_event=listening kind=permission addr=%s", ln.Addr())
	}

	if ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.QuestionPort)); err != nil {
		log.Printf("mediation_event=port_unavailable kind=question port=%d err=%v", s.cfg.QuestionPort, err)
	} else {
		s.questSrv = &http.Server{Handler: s.QuestionHandler()}
		s.questActive = true
		go s.questSrv.Serve(ln)
		log.Printf("mediation_event=listening kind=question addr=%s", ln.Addr())
	}
}

// PermissionHandler returns the HTTP handler of the permission listener.
func (s *Server) PermissionHandler() http.Handler {
	r := s.newEngine()
	r.POST("/permission", s.handlePermission)
	r.OPTIONS("/permission", handleOptions)
	return r
}

// QuestionHandler returns the HTTP handler of the question listener.
func (s *Server) QuestionHandler() http.Handler {
	r := s.newEngine()
	r.POST("/question", s.handleQuestion)
	r.OPTIONS("/question", handleOptions)
	return r
}

func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// corsMiddleware is permissive on purpose: both listeners only ever
// bind loopback.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Next()
	}
}

func handleOptions(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePermission(c *gin.Context) {
	var req models.PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !models.ValidOperation(req.Operation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid operation: %s", req.Operation)})
		return
	}
	paths := req.Paths()
	if len(paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filePath or filePaths is required"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	switch s.cfg.Mode {
	case ModeAutoApprove:
		allowed := s.cfg.Rules.Evaluate(req.Operation, paths)
		log.Printf("mediation_event=auto_resolved kind=permission request_id=%s operation=%s allowed=%v",
			req.RequestID, req.Operation, allowed)
		c.JSON(http.StatusOK, models.PermissionDecision{Allowed: allowed})
		return
	case ModeAutoDeny:
		c.JSON(http.StatusOK, models.PermissionDecision{Allowed: false})
		return
	}

	ch, err := s.permissions.Register(req.RequestID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("mediation_event=pending kind=permission request_id=%s operation=%s paths=%d",
		req.RequestID, req.Operation, len(paths))
	s.cfg.Observer(models.Event{
		Type:       models.EventPermissionRequest,
		Permission: &req,
		Time:       time.Now(),
	})

	// Suspend until resolved. A closed channel means the registry shut
	// down: fail safe, deny.
	decision, ok := <-ch
	if !ok {
		decision = models.PermissionDecision{Allowed: false}
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleQuestion(c *gin.Context) {
	var req models.QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	switch s.cfg.Mode {
	case ModeAutoApprove:
		answer := models.QuestionAnswer{}
		if len(req.Options) > 0 {
			answer.SelectedOptions = []string{req.Options[0].Label}
		}
		log.Printf("mediation_event=auto_resolved kind=question request_id=%s selected=%v",
			req.RequestID, answer.SelectedOptions)
		c.JSON(http.StatusOK, answer)
		return
	case ModeAutoDeny:
		c.JSON(http.StatusOK, models.QuestionAnswer{Denied: true})
		return
	}

	ch, err := s.questions.Register(req.RequestID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("mediation_event=pending kind=question request_id=%s options=%d",
		req.RequestID, len(req.Options))
	s.cfg.Observer(models.Event{
		Type:     models.EventQuestionRequest,
		Question: &req,
		Time:     time.Now(),
	})

	answer, ok := <-ch
	if !ok {
		answer = models.QuestionAnswer{Denied: true}
	}
	c.JSON(http.StatusOK, answer)
}

// Outcome carries a Host Boundary decision for either mediation kind.
type Outcome struct {
	Allowed         bool
	Denied          bool
	SelectedOptions []string
	CustomText      string
}

// Respond releases the request registered under requestID, trying the
// permission registry first, then the question registry. Returns false
// when neither has the id (already resolved, unknown, or from before a
// restart). Callers treat false as "already handled".
func (s *Server) Respond(requestID string, outcome Outcome) bool {
	if s.permissions.Resolve(requestID, models.PermissionDecision{Allowed: outcome.Allowed && !outcome.Denied}) {
		log.Printf("mediation_event=resolved kind=permission request_id=%s allowed=%v", requestID, outcome.Allowed)
		return true
	}
	answer := models.QuestionAnswer{
		SelectedOptions: outcome.SelectedOptions,
		CustomText:      outcome.CustomText,
		Denied:          outcome.Denied,
	}
	if s.questions.Resolve(requestID, answer) {
		log.Printf("mediation_event=resolved kind=question request_id=%s denied=%v", requestID, outcome.Denied)
		return true
	}
	log.Printf("mediation_event=resolve_miss request_id=%s", requestID)
	return false
}

// PendingCount returns the number of unresolved requests across both
// registries.
func (s *Server) PendingCount() int {
	return s.permissions.Pending() + s.questions.Pending()
}

// PermissionAvailable reports whether the permission listener bound its
// port. The two listeners are independent failure domains.
func (s *Server) PermissionAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permActive
}

// QuestionAvailable reports whether the question listener bound its port.
func (s *Server) QuestionAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questActive
}

// Close shuts both listeners down and fails every pending request safe.
func (s *Server) Close() {
	// Closing the registries first unblocks suspended handlers so the
	// HTTP servers can drain.
	s.permissions.Close()
	s.questions.Close()

	s.mu.Lock()
	permSrv, questSrv := s.permSrv, s.questSrv
	s.permSrv, s.questSrv = nil, nil
	s.permActive, s.questActive = false, false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if permSrv != nil {
		permSrv.Shutdown(ctx)
	}
	if questSrv != nil {
		questSrv.Shutdown(ctx)
	}
}
