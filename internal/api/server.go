// Package api exposes the small HTTP surface of agentmux: the agent
// registration callback, health, and execution history.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmux/agentmux/internal/workflow"
)

// Registrar accepts agent registration callbacks.
type Registrar interface {
	RegisterAgent(sessionName, role, memberID, status string)
}

// Server wires the handlers.
type Server struct {
	log       *slog.Logger
	registrar Registrar
	history   workflow.Store
}

// NewServer creates a Server.
func NewServer(log *slog.Logger, registrar Registrar, history workflow.Store) *Server {
	return &Server{
		log:       log.With("component", "api"),
		registrar: registrar,
		history:   history,
	}
}

// Router builds the gin router.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	v1 := r.Group("/api/v1")
	v1.POST("/agents/register", s.registerAgent)
	v1.GET("/executions", s.listExecutions)
	v1.GET("/executions/:id", s.getExecution)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRequest is the body of POST /api/v1/agents/register. Agents
// call this from inside their sessions once they have read their prompt.
type RegisterRequest struct {
	SessionName string `json:"sessionName" binding:"required"`
	Role        string `json:"role"`
	MemberID    string `json:"memberId"`
	Status      string `json:"status" binding:"required"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("registration callback", "session", req.SessionName,
		"role", req.Role, "status", req.Status)
	s.registrar.RegisterAgent(req.SessionName, req.Role, req.MemberID, req.Status)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.history.ListExecutions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if execs == nil {
		execs = []workflow.Execution{}
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.history.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, exec)
}
