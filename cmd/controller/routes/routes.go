// Package routes wires handlers onto the echo router under /api
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/mailganti/opsconductor/cmd/controller/container"
)

// Register mounts every resource under the /api prefix
func Register(e *echo.Echo, c *container.Container) {
	api := e.Group("/api", c.Auth.Verify)

	registerAgents(api, c)
	registerWorkflows(api, c)
	registerReports(api, c)
	registerTokens(api, c)
}

func registerAgents(api *echo.Group, c *container.Container) {
	h := c.AgentHandler
	auth := c.Auth

	api.GET("/agents", h.List)
	api.GET("/agents/", h.List)
	api.GET("/agents/all", h.ListAll)
	api.GET("/agents/environments", h.Environments)
	api.POST("/agents/heartbeat", h.Heartbeat, auth.RequireAgent)

	api.GET("/agents/access/users", h.ListAccess, auth.RequireAdmin)
	api.POST("/agents/access/grant", h.Grant, auth.RequireAdmin)
	api.DELETE("/agents/access/revoke", h.Revoke, auth.RequireAdmin)

	api.GET("/agents/:name", h.Get)
	api.POST("/agents", h.Register, auth.RequireAdmin)
	api.PUT("/agents/:name/status", h.Update, auth.RequireAdmin)
	api.DELETE("/agents/:name", h.Deregister, auth.RequireAdmin)
	api.POST("/agents/:name/ping", h.Ping)
}

func registerWorkflows(api *echo.Group, c *container.Container) {
	h := c.WorkflowHandler
	auth := c.Auth

	api.GET("/workflows", h.List)
	api.POST("/workflows", h.Create)
	api.GET("/workflows/:id", h.Get)
	api.DELETE("/workflows/:id", h.Delete, auth.RequireAdmin)
	api.POST("/workflows/:id/approve", h.Approve, auth.RequireApprover)
	api.POST("/workflows/:id/deny", h.Deny, auth.RequireApprover)
	api.POST("/workflows/:id/execute", h.Execute, auth.RequireAdmin)
	api.GET("/workflows/:id/audit", h.Audit)
	api.POST("/workflows/:id/reexec/request", h.RequestReexec)
	api.POST("/workflows/:id/reexec/approve", h.ApproveReexec, auth.RequireApproverJWT)
}

func registerReports(api *echo.Group, c *container.Container) {
	h := c.ReportHandler
	auth := c.Auth

	api.GET("/reports/scripts", h.ListScripts)
	api.POST("/reports/scripts", h.RegisterScript, auth.RequireAdmin)
	api.GET("/reports/scripts/:script_id", h.GetScript)
	api.DELETE("/reports/scripts/:script_id", h.DeleteScript, auth.RequireAdmin)

	api.POST("/reports/run/:script_id", h.Run)
	api.GET("/reports/history", h.History)
	api.GET("/reports/result/:run_id", h.Result)
	api.DELETE("/reports/result/:run_id", h.Cancel)
	api.GET("/reports/ws/:run_id", h.Stream)
}

func registerTokens(api *echo.Group, c *container.Container) {
	h := c.TokenHandler
	auth := c.Auth

	api.GET("/tokens", h.List, auth.RequireAdmin)
	api.POST("/tokens", h.Create, auth.RequireAdmin)
	api.DELETE("/tokens/:id", h.Revoke, auth.RequireAdmin)
}
