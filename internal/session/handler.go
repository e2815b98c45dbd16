package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/auth"
	"github.com/agentmesh/agentmesh/internal/server"
)

// Handler serves the /sessions API. All endpoints require a verified bearer;
// a session is visible only to its owner or an admin.
type Handler struct {
	store    *Store
	verifier auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, verifier auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{store: store, verifier: verifier, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/sessions", h.create)
	r.GET("/sessions/:id", h.get)
	r.POST("/sessions/:id/history", h.appendMessage)
	r.POST("/sessions/:id/invocations", h.recordInvocation)
	r.PATCH("/sessions/:id/status", h.setStatus)
	r.DELETE("/sessions/:id", h.remove)
}

func (h *Handler) authorize(c *gin.Context) *auth.Claims {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil
	}
	claims, err := h.verifier.Verify(c.Request.Context(), header[len(prefix):])
	if err != nil {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "bearer verification failed")
		return nil
	}
	return claims
}

// owned loads the session and enforces ownership.
func (h *Handler) owned(c *gin.Context, claims *auth.Claims) *Detail {
	detail, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil
	}
	if detail.Session.UserID != claims.UserID && !claims.IsAdmin() {
		server.Error(c, http.StatusForbidden, "forbidden", "session belongs to a different user")
		return nil
	}
	return detail
}

func (h *Handler) create(c *gin.Context) {
	claims := h.authorize(c)
	if claims == nil {
		return
	}

	var body struct {
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			server.Error(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	id, err := h.store.CreateSession(c.Request.Context(), claims.UserID, body.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (h *Handler) get(c *gin.Context) {
	claims := h.authorize(c)
	if claims == nil {
		return
	}
	detail := h.owned(c, claims)
	if detail == nil {
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) appendMessage(c *gin.Context) {
	claims := h.authorize(c)
	if claims == nil {
		return
	}
	if h.owned(c, claims) == nil {
		return
	}

	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "role and content are required")
		return
	}
	role := Role(body.Role)
	if role != RoleUser && role != RoleAssistant && role != RoleSystem {
		server.Error(c, http.StatusBadRequest, "bad_request", "unknown role")
		return
	}

	seq, err := h.store.AppendMessage(c.Request.Context(), c.Param("id"), role, body.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"seq": seq})
}

// recordInvocation stores a dispatch outcome reported by an external
// orchestration client. Reading invocations goes through GET /sessions/:id.
func (h *Handler) recordInvocation(c *gin.Context) {
	claims := h.authorize(c)
	if claims == nil {
		return
	}
	if h.owned(c, claims) == nil {
		return
	}

	var body struct {
		AgentName    string `json:"agent_name"`
		Query        string `json:"query"`
		Response     string `json:"response,omitempty"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message,omitempty"`
		DurationMS   int64  `json:"duration_ms"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentName == "" || body.Query == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "agent_name and query are required")
		return
	}

	inv := Invocation{
		SessionID:    c.Param("id"),
		AgentName:    body.AgentName,
		Query:        body.Query,
		Response:     body.Response,
		Success:      body.Success,
		ErrorMessage: body.ErrorMessage,
		DurationMS:   body.DurationMS,
	}
	if err := h.store.RecordInvocation(c.Request.Context(), inv); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": inv.SessionID, "agent_name": inv.AgentName})
}

func (h *Handler) setStatus(c *gin.Context) {
	claims := h.authorize(c)
	if claims == nil {
		return
	}
	if h.owned(c, claims) == nil {
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "status is required")
		return
	}
	if !ValidStatus(Status(body.Status)) {
		server.Error(c, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}

	if err := h.store.SetStatus(c.Request.Context(), c.Param("id"), Status(body.Status)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "status": body.Status})
}

func (h *Handler) remove(c *gin.Context) {
	claims := h.authorize(c)
	if claims == nil {
		return
	}
	if h.owned(c, claims) == nil {
		return
	}

	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		server.Error(c, http.StatusNotFound, "not_found", "no such session")
	default:
		h.logger.Error("session request failed", zap.Error(err))
		server.Error(c, http.StatusInternalServerError, "internal_error", "request could not be completed")
	}
}
