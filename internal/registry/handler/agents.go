// Package handler exposes the agent registry over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/auth"
	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/registry/service"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

type cardSource interface {
	Resolve(ctx context.Context, cardURL string) (*agentcard.Card, error)
}

// AgentHandler serves the /agents API.
type AgentHandler struct {
	registry *service.Registry
	verifier auth.Verifier
	cards    cardSource
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler. cards may be nil to disable the
// /agents/:name/card endpoint.
func NewAgentHandler(registry *service.Registry, verifier auth.Verifier, cards cardSource, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: registry, verifier: verifier, cards: cards, logger: logger}
}

// Register mounts the routes on r.
func (h *AgentHandler) Register(r gin.IRouter) {
	r.POST("/agents", h.registerLocal)
	r.POST("/agents/remote", h.registerRemote)
	r.POST("/agents/discover", h.discover)
	r.GET("/agents", h.list)
	r.GET("/agents/:name", h.get)
	r.GET("/agents/:name/card", h.card)
	r.PUT("/agents/:name/capabilities", h.updateCapabilities)
	r.PATCH("/agents/:name/status", h.setStatus)
	r.PATCH("/agents/:name/enabled", h.setEnabled)
	r.DELETE("/agents/:name", h.remove)
}

// card returns the (cached) agent card for a remote record.
func (h *AgentHandler) card(c *gin.Context) {
	rec, err := h.registry.Get(c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if rec.Kind != model.KindRemote || rec.AgentCardURL == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "agent has no card")
		return
	}
	if h.cards == nil {
		server.Error(c, http.StatusNotImplemented, "unavailable", "card cache not configured")
		return
	}
	card, err := h.cards.Resolve(c.Request.Context(), rec.AgentCardURL)
	if err != nil {
		server.Error(c, http.StatusBadGateway, "upstream_error", "agent card could not be fetched")
		return
	}
	c.JSON(http.StatusOK, card)
}

// authorize verifies the request's bearer. When adminOnly is set the caller
// must hold the admin role.
func (h *AgentHandler) authorize(c *gin.Context, adminOnly bool) *auth.Claims {
	bearer := bearerToken(c)
	if bearer == "" {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil
	}
	claims, err := h.verifier.Verify(c.Request.Context(), bearer)
	if err != nil {
		server.Error(c, http.StatusUnauthorized, "unauthorized", "bearer verification failed")
		return nil
	}
	if adminOnly && !claims.IsAdmin() {
		server.Error(c, http.StatusForbidden, "forbidden", "admin role required")
		return nil
	}
	return claims
}

func (h *AgentHandler) registerLocal(c *gin.Context) {
	if h.authorize(c, false) == nil {
		return
	}

	var req service.LocalRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		server.Error(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := h.registry.RegisterLocal(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *AgentHandler) registerRemote(c *gin.Context) {
	if h.authorize(c, false) == nil {
		return
	}

	var req service.RemoteRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		server.Error(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.AgentCardURL == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "agent_card_url is required")
		return
	}

	rec, err := h.registry.RegisterRemote(c.Request.Context(), req)
	if err != nil {
		// A malicious-pattern rejection still persisted a rejected record.
		var cardErr *model.ErrCardInvalid
		if errors.As(err, &cardErr) {
			details := gin.H{"reason": string(cardErr.Reason)}
			if rec != nil {
				details["agent_name"] = rec.Name
				details["status"] = string(rec.Status)
			}
			server.ErrorWithDetails(c, http.StatusUnprocessableEntity, "card_invalid", cardErr.Detail, details)
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":          string(rec.Status),
		"agent_name":      rec.Name,
		"registration_id": uuid.NewString(),
	})
}

func (h *AgentHandler) discover(c *gin.Context) {
	if h.authorize(c, false) == nil {
		return
	}

	var req struct {
		AgentCardURL string `json:"agent_card_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentCardURL == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "agent_card_url is required")
		return
	}

	preview, err := h.registry.Discover(c.Request.Context(), req.AgentCardURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *AgentHandler) list(c *gin.Context) {
	filter := service.ListFilter{
		EnabledOnly: c.Query("enabled") == "true",
		Kind:        model.AgentKind(c.Query("kind")),
		Status:      model.RemoteStatus(c.Query("status")),
	}
	if tags := c.Query("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	records := h.registry.List(filter)
	c.JSON(http.StatusOK, gin.H{"agents": records, "count": len(records)})
}

func (h *AgentHandler) get(c *gin.Context) {
	rec, err := h.registry.Get(c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AgentHandler) updateCapabilities(c *gin.Context) {
	if h.authorize(c, false) == nil {
		return
	}

	var caps model.Capability
	if err := c.ShouldBindJSON(&caps); err != nil {
		server.Error(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := h.registry.UpdateCapabilities(c.Request.Context(), c.Param("name"), caps)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AgentHandler) setStatus(c *gin.Context) {
	// Approval transitions are admin-only.
	if h.authorize(c, true) == nil {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		server.Error(c, http.StatusBadRequest, "bad_request", "status is required")
		return
	}

	rec, err := h.registry.SetStatus(c.Request.Context(), c.Param("name"), model.RemoteStatus(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AgentHandler) setEnabled(c *gin.Context) {
	if h.authorize(c, false) == nil {
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		server.Error(c, http.StatusBadRequest, "bad_request", "enabled is required")
		return
	}

	rec, err := h.registry.SetEnabled(c.Request.Context(), c.Param("name"), *req.Enabled)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AgentHandler) remove(c *gin.Context) {
	if h.authorize(c, false) == nil {
		return
	}

	if err := h.registry.Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (h *AgentHandler) writeError(c *gin.Context, err error) {
	var cardErr *model.ErrCardInvalid
	var valErr *model.ErrValidation

	switch {
	case errors.Is(err, model.ErrNotFound):
		server.Error(c, http.StatusNotFound, "not_found", "no such agent")
	case errors.Is(err, model.ErrDuplicateName):
		server.Error(c, http.StatusConflict, "duplicate_name", "an agent with that name already exists")
	case errors.Is(err, model.ErrIllegalTransition):
		server.Error(c, http.StatusConflict, "illegal_transition", err.Error())
	case errors.As(err, &cardErr):
		server.ErrorWithDetails(c, http.StatusUnprocessableEntity, "card_invalid", cardErr.Detail,
			gin.H{"reason": string(cardErr.Reason)})
	case errors.As(err, &valErr):
		server.Error(c, http.StatusBadRequest, "bad_request", valErr.Msg)
	case errors.Is(err, model.ErrPersistFailed):
		h.logger.Error("registry persist failed", zap.Error(err))
		server.Error(c, http.StatusInternalServerError, "persist_failed", "registry write failed")
	default:
		h.logger.Error("registry request failed", zap.Error(err))
		server.Error(c, http.StatusInternalServerError, "internal_error", "request could not be completed")
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
