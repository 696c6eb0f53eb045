// Package handlers holds the echo HTTP layer: request decoding,
// principal plumbing, and response shaping. Business rules live in the
// service layer.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mailganti/opsconductor/cmd/controller/middleware"
	"github.com/mailganti/opsconductor/cmd/controller/service"
	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/logger"
)

// AgentHandler serves the agent registry and access grant endpoints
type AgentHandler struct {
	svc *service.AgentService
	log *logger.Logger
}

// NewAgentHandler creates the handler
func NewAgentHandler(svc *service.AgentService, log *logger.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, log: log}
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("Invalid %s '%s': must be an integer", name, raw)
	}
	return n, nil
}

// List serves GET /agents
func (h *AgentHandler) List(c echo.Context) error {
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}

	result, err := h.svc.List(c.Request().Context(), middleware.Principal(c), service.ListRequest{
		Environment: c.QueryParam("environment"),
		Status:      c.QueryParam("status"),
		Limit:       limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ListAll serves GET /agents/all (reports UI, no env filter)
func (h *AgentHandler) ListAll(c echo.Context) error {
	agents, err := h.svc.ListAll(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

// Environments serves GET /agents/environments
func (h *AgentHandler) Environments(c echo.Context) error {
	result, err := h.svc.Environments(c.Request().Context(), middleware.Principal(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Get serves GET /agents/:name
func (h *AgentHandler) Get(c echo.Context) error {
	agent, err := h.svc.Get(c.Request().Context(), middleware.Principal(c), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// Register serves POST /agents
func (h *AgentHandler) Register(c echo.Context) error {
	var req service.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("Invalid request body")
	}

	agent, err := h.svc.Register(c.Request().Context(), middleware.Principal(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, agent)
}

// Update serves PUT /agents/:name/status
func (h *AgentHandler) Update(c echo.Context) error {
	var req service.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("Invalid request body")
	}

	agent, err := h.svc.Update(c.Request().Context(), middleware.Principal(c), c.Param("name"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// Deregister serves DELETE /agents/:name
func (h *AgentHandler) Deregister(c echo.Context) error {
	name := c.Param("name")
	if err := h.svc.Deregister(c.Request().Context(), middleware.Principal(c), name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Agent '" + name + "' deregistered"})
}

// Ping serves POST /agents/:name/ping
func (h *AgentHandler) Ping(c echo.Context) error {
	result, err := h.svc.Ping(c.Request().Context(), middleware.Principal(c), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Heartbeat serves POST /agents/heartbeat (agent token)
func (h *AgentHandler) Heartbeat(c echo.Context) error {
	var req struct {
		AgentName string `json:"agent_name"`
	}
	if err := c.Bind(&req); err != nil || req.AgentName == "" {
		return apperr.Validation("agent_name is required")
	}

	if err := h.svc.Heartbeat(c.Request().Context(), req.AgentName); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListAccess serves GET /agents/access/users
func (h *AgentHandler) ListAccess(c echo.Context) error {
	grants, err := h.svc.ListAccess(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"grants": grants})
}

// Grant serves POST /agents/access/grant
func (h *AgentHandler) Grant(c echo.Context) error {
	var req service.GrantRequest
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Environment == "" {
		return apperr.Validation("username and environment are required")
	}

	if err := h.svc.Grant(c.Request().Context(), middleware.Principal(c), req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Granted " + req.Environment + " to " + req.Username,
	})
}

// Revoke serves DELETE /agents/access/revoke
func (h *AgentHandler) Revoke(c echo.Context) error {
	var req service.GrantRequest
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Environment == "" {
		return apperr.Validation("username and environment are required")
	}

	if err := h.svc.Revoke(c.Request().Context(), middleware.Principal(c), req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Revoked " + req.Environment + " from " + req.Username,
	})
}
