package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/auth"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/session"
)

type healthChecker interface {
	Ping(ctx context.Context) error
}

type explainer interface {
	Explain(ctx context.Context, query, sessionID string, tagFilter []string) (*router.Explanation, error)
}

// Handler exposes the orchestration endpoints.
type Handler struct {
	orch     *Orchestrator
	sessions healthChecker
	explain  explainer
	logger   *zap.Logger
}

// NewHandler creates a Handler. explain may be nil to disable /debug/route.
func NewHandler(orch *Orchestrator, sessions healthChecker, explain explainer, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, sessions: sessions, explain: explain, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/invoke", h.invoke)
	r.GET("/health", h.health)
	if h.explain != nil {
		r.POST("/debug/route", h.debugRoute)
	}
}

// debugRoute exposes the router's Explain view. Admin only; the prompt it
// returns reveals the full candidate catalog.
func (h *Handler) debugRoute(c *gin.Context) {
	bearer := bearerToken(c)
	if bearer == "" {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	claims, err := h.orch.verifier.Verify(c.Request.Context(), bearer)
	if err != nil {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "bearer verification failed")
		return
	}
	if !claims.IsAdmin() {
		server.Error(c, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	var body invokeBody
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Query) == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "query is required")
		return
	}

	expl, err := h.explain.Explain(c.Request.Context(), body.Query, body.SessionID, nil)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, expl)
}

type invokeBody struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

func (h *Handler) invoke(c *gin.Context) {
	bearer := bearerToken(c)
	if bearer == "" {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var body invokeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		server.Error(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "query is required")
		return
	}

	reply, err := h.orch.Handle(c.Request.Context(), body.Query, bearer, body.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		server.Error(c, http.StatusUnauthorized, "unauthorized", "bearer verification failed")
	case errors.Is(err, ErrSessionNotOwned):
		server.Error(c, http.StatusForbidden, "forbidden", "session belongs to a different user")
	case errors.Is(err, ErrSessionClosed):
		server.Error(c, http.StatusConflict, "session_completed", "session is completed and cannot be resumed")
	case errors.Is(err, session.ErrNotFound):
		server.Error(c, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, context.DeadlineExceeded):
		server.Error(c, http.StatusGatewayTimeout, "upstream_timeout", "request deadline exceeded")
	case errors.Is(err, ErrAllAgentsFailed):
		server.Error(c, http.StatusBadGateway, "upstream_error", "all selected agents failed")
	default:
		h.logger.Error("invoke failed", zap.Error(err))
		server.Error(c, http.StatusInternalServerError, "internal_error", "request could not be completed")
	}
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.sessions.Ping(ctx); err != nil {
		server.Error(c, http.StatusServiceUnavailable, "store_unavailable", "session store unreachable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
