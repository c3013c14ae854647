package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/activetable"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/engine"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/eventbus"
)

// Action is one of the Control API's mutating verbs (spec.md §6).
type Action string

const (
	ActionEmergencyStop Action = "emergency_stop"
	ActionCancel        Action = "cancel"
	ActionPause         Action = "pause"
	ActionResume        Action = "resume"
	ActionExecuteNow    Action = "execute_now"
)

// ControlRequest is the POST control request body.
type ControlRequest struct {
	AutomationID string `json:"automationId" binding:"required"`
	Action       Action `json:"action" binding:"required"`
	Reason       string `json:"reason,omitempty"`
}

// ControlResponse is the POST control response body.
type ControlResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"executionId,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Handler serves the Control API and the progress-stream SSE endpoint.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewHandler builds a Handler bound to the process-singleton Engine.
func NewHandler(e *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: e, logger: logger}
}

// RegisterRoutes registers the Control API and SSE routes, following
// internal/reports.Handler.RegisterRoutes's grouping convention.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	automations := router.Group("/automation")
	{
		automations.POST("/control", h.control)
		automations.GET("/control", h.getControl)
		automations.GET("/progress-stream", h.progressStream)
	}
}

func (h *Handler) control(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ControlResponse{Success: false, Status: "invalid_request", Message: err.Error()})
		return
	}

	switch req.Action {
	case ActionEmergencyStop:
		found := h.engine.EmergencyStop(req.AutomationID)
		if !found {
			c.JSON(http.StatusOK, ControlResponse{Success: false, Status: "not_running", Message: "no active execution for this automation"})
			return
		}
		c.JSON(http.StatusOK, ControlResponse{Success: true, Status: "emergency_stop_requested", Message: "emergency stop requested"})

	case ActionCancel:
		ok, msg := h.engine.Cancel(req.AutomationID, orDefault(req.Reason, "operator requested cancellation"))
		c.JSON(http.StatusOK, ControlResponse{Success: ok, Status: statusFor(ok), Message: msg})

	case ActionPause:
		ok, msg := h.engine.Unschedule(req.AutomationID)
		c.JSON(http.StatusOK, ControlResponse{Success: ok, Status: statusFor(ok), Message: msg})

	case ActionResume:
		def, err := h.engine.Definitions().Load(c.Request.Context(), req.AutomationID)
		if err != nil {
			c.JSON(http.StatusNotFound, ControlResponse{Success: false, Status: "not_found", Message: err.Error()})
			return
		}
		ok, msg := h.engine.Schedule(def)
		code := http.StatusOK
		if !ok {
			code = http.StatusBadRequest
		}
		c.JSON(code, ControlResponse{Success: ok, Status: statusFor(ok), Message: msg})

	case ActionExecuteNow:
		def, err := h.engine.Definitions().Load(c.Request.Context(), req.AutomationID)
		if err != nil {
			c.JSON(http.StatusNotFound, ControlResponse{Success: false, Status: "not_found", Message: err.Error()})
			return
		}
		executionID, err := h.engine.ExecuteNow(def)
		if err != nil {
			c.JSON(http.StatusConflict, ControlResponse{Success: false, Status: "already_running", Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ControlResponse{Success: true, ExecutionID: executionID, Status: "started", Message: "execution started"})

	default:
		c.JSON(http.StatusBadRequest, ControlResponse{Success: false, Status: "unknown_action", Message: "unrecognized action"})
	}
}

// ControlStatusResponse is the GET control response body.
type ControlStatusResponse struct {
	Automation                   any               `json:"automation"`
	ExecutionStatus              *activetable.Status `json:"executionStatus,omitempty"`
	CancellationInfo             any               `json:"cancellationInfo,omitempty"`
	AvailableActions             []Action          `json:"availableActions"`
	EmergencyStopAlwaysAvailable bool              `json:"emergencyStopAlwaysAvailable"`
}

func (h *Handler) getControl(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	def, err := h.engine.Definitions().Load(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	status, active := h.engine.Status(id)
	resp := ControlStatusResponse{
		Automation:                   def,
		AvailableActions:             availableActions(active),
		EmergencyStopAlwaysAvailable: true,
	}
	if active {
		resp.ExecutionStatus = &status
		resp.CancellationInfo = gin.H{
			"canCancel":            status.CanCancel,
			"cancellationDeadline": status.CancellationDeadline,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func availableActions(isActive bool) []Action {
	if isActive {
		return []Action{ActionEmergencyStop, ActionCancel}
	}
	return []Action{ActionResume, ActionPause, ActionExecuteNow}
}

func statusFor(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

const heartbeatInterval = 15 * time.Second
const terminalLinger = 500 * time.Millisecond

// progressStream implements spec.md §6's SSE endpoint: connected, log,
// progress, done, and periodic heartbeat events, closing 500ms after a
// terminal done.
func (h *Handler) progressStream(c *gin.Context) {
	automationID := c.Query("automationId")
	if automationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "automationId is required"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events, unsubscribe := h.engine.EventBus().Subscribe(automationID)
	defer unsubscribe()

	c.SSEvent("connected", gin.H{"automationId": automationID})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.emitProgressEvent(c, ev)
			if ev.Status == "completed" || ev.Status == "failed" || ev.Status == "aborted" {
				time.Sleep(terminalLinger)
				return
			}
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": nowRFC3339()})
			c.Writer.Flush()
		}
	}
}

func (h *Handler) emitProgressEvent(c *gin.Context, ev eventbus.Event) {
	switch ev.Status {
	case "completed", "failed", "aborted":
		c.SSEvent("done", gin.H{"status": ev.Status, "message": ev.Message})
	default:
		if ev.Level != "" {
			c.SSEvent("log", gin.H{"level": ev.Level, "phase": ev.Phase, "message": ev.Message})
		} else {
			c.SSEvent("progress", gin.H{"status": ev.Status, "phase": ev.Phase, "message": ev.Message})
		}
	}
	c.Writer.Flush()
}

func nowRFC3339() string { return time.Now().Format(time.RFC3339) }
