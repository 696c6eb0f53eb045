package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mailganti/opsconductor/cmd/controller/middleware"
	"github.com/mailganti/opsconductor/cmd/controller/service"
	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer
	pongWait = 30 * time.Second
	// Ping period; must be less than pongWait
	pingPeriod = 25 * time.Second

	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The proxy already authenticated the caller.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ReportHandler serves the report script registry, run dispatch, and
// the live output stream.
type ReportHandler struct {
	svc *service.ReportService
	log *logger.Logger
}

// NewReportHandler creates the handler
func NewReportHandler(svc *service.ReportService, log *logger.Logger) *ReportHandler {
	return &ReportHandler{svc: svc, log: log}
}

// ListScripts serves GET /reports/scripts
func (h *ReportHandler) ListScripts(c echo.Context) error {
	scripts, err := h.svc.ListScripts(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"scripts": scripts})
}

// GetScript serves GET /reports/scripts/:script_id
func (h *ReportHandler) GetScript(c echo.Context) error {
	script, err := h.svc.GetScript(c.Request().Context(), c.Param("script_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, script)
}

// RegisterScript serves POST /reports/scripts (admin)
func (h *ReportHandler) RegisterScript(c echo.Context) error {
	var script models.ReportScript
	if err := c.Bind(&script); err != nil {
		return apperr.Validation("Invalid request body")
	}

	saved, err := h.svc.RegisterScript(c.Request().Context(), &script)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

// DeleteScript serves DELETE /reports/scripts/:script_id (admin)
func (h *ReportHandler) DeleteScript(c echo.Context) error {
	id := c.Param("script_id")
	if err := h.svc.DeleteScript(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Script '" + id + "' deleted"})
}

// Run serves POST /reports/run/:script_id
func (h *ReportHandler) Run(c echo.Context) error {
	var req service.RunRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("Invalid request body")
	}

	run, err := h.svc.Run(c.Request().Context(), middleware.Principal(c), c.Param("script_id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

// History serves GET /reports/history
func (h *ReportHandler) History(c echo.Context) error {
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	runs, err := h.svc.History(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// Result serves GET /reports/result/:run_id
func (h *ReportHandler) Result(c echo.Context) error {
	run, err := h.svc.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// Cancel serves DELETE /reports/result/:run_id
func (h *ReportHandler) Cancel(c echo.Context) error {
	run, err := h.svc.Cancel(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// Stream serves GET /reports/ws/:run_id: upgrades to a websocket and
// relays replayed history plus live frames until the terminal frame.
func (h *ReportHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.svc.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil
	}

	sub, live := h.svc.Hub().Subscribe(runID)
	if !live {
		// Evicted after the retention window: synthesize the terminal
		// frame from the persisted record so late observers still see
		// the outcome.
		h.writeEvictedTerminal(conn, run)
		_ = conn.Close()
		return nil
	}

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
	return nil
}

// readPump consumes control frames and detaches on close
func (h *ReportHandler) readPump(conn *websocket.Conn, sub *service.Subscriber) {
	defer h.svc.Hub().Unsubscribe(sub)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump relays hub frames and keeps the connection alive with pings
func (h *ReportHandler) writePump(conn *websocket.Conn, sub *service.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ReportHandler) writeEvictedTerminal(conn *websocket.Conn, run *models.ReportRun) {
	if !run.Status.Terminal() {
		return
	}
	exitCode := -1
	if run.ExitCode != nil {
		exitCode = *run.ExitCode
	}
	frame := service.Frame{
		Type:     service.FrameComplete,
		Status:   run.Status,
		ExitCode: &exitCode,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
