package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mailganti/opsconductor/cmd/controller/middleware"
	"github.com/mailganti/opsconductor/cmd/controller/service"
	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/logger"
)

// WorkflowHandler serves the workflow life cycle endpoints
type WorkflowHandler struct {
	svc *service.WorkflowService
	log *logger.Logger
}

// NewWorkflowHandler creates the handler
func NewWorkflowHandler(svc *service.WorkflowService, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{svc: svc, log: log}
}

// List serves GET /workflows
func (h *WorkflowHandler) List(c echo.Context) error {
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	workflows, err := h.svc.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": workflows})
}

// Create serves POST /workflows
func (h *WorkflowHandler) Create(c echo.Context) error {
	var req service.CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("Invalid request body")
	}

	w, err := h.svc.Create(c.Request().Context(), middleware.Principal(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

// Get serves GET /workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	w, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// Approve serves POST /workflows/:id/approve
func (h *WorkflowHandler) Approve(c echo.Context) error {
	var req struct {
		Level int `json:"level,omitempty"`
	}
	// An empty body means "next level".
	_ = c.Bind(&req)

	w, err := h.svc.Approve(c.Request().Context(), middleware.Principal(c), c.Param("id"), req.Level)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// Deny serves POST /workflows/:id/deny
func (h *WorkflowHandler) Deny(c echo.Context) error {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = c.Bind(&req)

	w, err := h.svc.Deny(c.Request().Context(), middleware.Principal(c), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// Execute serves POST /workflows/:id/execute. A valid X-Execution-Token
// admits a re-run of a workflow that already executed; the token is
// consumed before dispatch and never refunded.
func (h *WorkflowHandler) Execute(c echo.Context) error {
	ctx := c.Request().Context()
	p := middleware.Principal(c)
	workflowID := c.Param("id")

	var req service.ExecuteRequest
	_ = c.Bind(&req)
	req.ViaToken = false

	if token := c.Request().Header.Get("X-Execution-Token"); token != "" {
		if err := h.svc.ConsumeExecutionToken(ctx, token, workflowID, p.Username); err != nil {
			return err
		}
		req.ViaToken = true
	}

	result, err := h.svc.Execute(ctx, p, workflowID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Audit serves GET /workflows/:id/audit
func (h *WorkflowHandler) Audit(c echo.Context) error {
	entries, err := h.svc.AuditLog(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"audit": entries})
}

// Delete serves DELETE /workflows/:id
func (h *WorkflowHandler) Delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request().Context(), middleware.Principal(c), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Workflow '" + id + "' deleted"})
}

// RequestReexec serves POST /workflows/:id/reexec/request
func (h *WorkflowHandler) RequestReexec(c echo.Context) error {
	var req struct {
		Note string `json:"note,omitempty"`
	}
	_ = c.Bind(&req)

	r, err := h.svc.RequestReexec(c.Request().Context(), middleware.Principal(c), c.Param("id"), req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

// ApproveReexec serves POST /workflows/:id/reexec/approve (approver JWT)
func (h *WorkflowHandler) ApproveReexec(c echo.Context) error {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := c.Bind(&req); err != nil || req.RequestID == "" {
		return apperr.Validation("request_id is required")
	}

	token, err := h.svc.ApproveReexec(c.Request().Context(), middleware.Principal(c), c.Param("id"), req.RequestID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflow_id": token.WorkflowID,
		"expires_at":  token.ExpiresAt,
		"message":     "Execution token issued and mailed to the requester",
	})
}
