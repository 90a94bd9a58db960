// Package api provides the REST control surface for the operator console
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shiv6146/blayzen-console/internal/call"
	"github.com/shiv6146/blayzen-console/internal/console"
	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/monitor"
	"github.com/shiv6146/blayzen-console/internal/sipclient"
)

// Handler holds the API dependencies
type Handler struct {
	svc *console.Service
}

// NewHandler creates a new API handler
func NewHandler(svc *console.Service) *Handler {
	return &Handler{svc: svc}
}

// =============================================================================
// Request/Response DTOs
// =============================================================================

// LoginRequest is the request body for signing in to the phone system
type LoginRequest struct {
	Identity string `json:"identity" binding:"required" example:"1003@pbx.example.com"`
	Secret   string `json:"secret" binding:"required" example:"hunter2"`
}

// PlaceCallRequest is the request body for placing an outgoing call
type PlaceCallRequest struct {
	Destination string `json:"destination" binding:"required" example:"1004"`
}

// TransferRequest is the request body for transferring the active call
type TransferRequest struct {
	Target string `json:"target" binding:"required" example:"1006"`
}

// StartMonitorRequest is the request body for opening a monitoring session
type StartMonitorRequest struct {
	CallID string `json:"callId" binding:"required" example:"call-uuid"`
	Kind   string `json:"kind" binding:"required" example:"listen"`
}

// SetPresenceRequest is the request body for an operator presence change
type SetPresenceRequest struct {
	Status string `json:"status" binding:"required" example:"paused"`
}

// RegistrationResponse is the observable registration state
type RegistrationResponse struct {
	Identity string `json:"identity" example:"1003@pbx.example.com"`
	Status   string `json:"status" example:"registered"`
	Error    string `json:"error,omitempty"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error" example:"Invalid request"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a success message
type SuccessResponse struct {
	Message string `json:"message" example:"Operation completed successfully"`
}

// HealthResponse is the health check payload
type HealthResponse struct {
	Status       string `json:"status" example:"ok"`
	Registration string `json:"registration" example:"registered"`
	Presence     string `json:"presence" example:"available"`
}

func registrationResponse(r sipclient.Registration) RegistrationResponse {
	resp := RegistrationResponse{Identity: r.Identity, Status: r.Status.String()}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

// fail maps typed domain errors to HTTP status codes
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sipclient.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid credentials", Details: err.Error()})
	case errors.Is(err, sipclient.ErrNotRegistered):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Not registered", Details: err.Error()})
	case errors.Is(err, sipclient.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "Signaling timeout", Details: err.Error()})
	case errors.Is(err, call.ErrInvalidDestination), errors.Is(err, monitor.ErrInvalidTarget):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid target", Details: err.Error()})
	case errors.Is(err, call.ErrCallInProgress):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Call in progress", Details: err.Error()})
	case errors.Is(err, call.ErrNoActiveCall), errors.Is(err, monitor.ErrNotMonitoring):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No active call", Details: err.Error()})
	case errors.Is(err, call.ErrUnsupportedOperation):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "Operation not supported", Details: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Operation failed", Details: err.Error()})
	}
}

// =============================================================================
// Session Handlers
// =============================================================================

// Login godoc
// @Summary Sign in to the phone system
// @Description Connect and register the operator against the SIP server
// @Tags Session
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param request body LoginRequest true "SIP credentials"
// @Success 200 {object} RegistrationResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/v1/session [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	if err := h.svc.Login(c.Request.Context(), req.Identity, req.Secret); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, registrationResponse(h.svc.Registration()))
}

// Logout godoc
// @Summary Sign out of the phone system
// @Tags Session
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Router /api/v1/session [delete]
func (h *Handler) Logout(c *gin.Context) {
	if err := h.svc.Logout(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Signed out"})
}

// GetSession godoc
// @Summary Get the registration state
// @Tags Session
// @Produce json
// @Security BasicAuth
// @Success 200 {object} RegistrationResponse
// @Router /api/v1/session [get]
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, registrationResponse(h.svc.Registration()))
}

// =============================================================================
// Call Handlers
// =============================================================================

// PlaceCall godoc
// @Summary Place an outgoing call
// @Tags Call
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param request body PlaceCallRequest true "Destination"
// @Success 201 {object} call.Snapshot
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/call [post]
func (h *Handler) PlaceCall(c *gin.Context) {
	var req PlaceCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	snap, err := h.svc.PlaceCall(c.Request.Context(), req.Destination)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// GetCall godoc
// @Summary Get the active call
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} call.Snapshot
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/call [get]
func (h *Handler) GetCall(c *gin.Context) {
	snap := h.svc.CurrentCall()
	if snap == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No active call"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// AcceptCall godoc
// @Summary Accept the ringing incoming call
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} call.Snapshot
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/call/accept [post]
func (h *Handler) AcceptCall(c *gin.Context) {
	snap, err := h.svc.AcceptCall(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HangupCall godoc
// @Summary Hang up or reject the active call
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/call [delete]
func (h *Handler) HangupCall(c *gin.Context) {
	if err := h.svc.HangupCall(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Call ended"})
}

// Hold godoc
// @Summary Put the active call on hold
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/v1/call/hold [post]
func (h *Handler) Hold(c *gin.Context) {
	if err := h.svc.Hold(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Call held"})
}

// Unhold godoc
// @Summary Resume the held call
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Router /api/v1/call/unhold [post]
func (h *Handler) Unhold(c *gin.Context) {
	if err := h.svc.Unhold(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Call resumed"})
}

// Mute godoc
// @Summary Mute the local capture
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Router /api/v1/call/mute [post]
func (h *Handler) Mute(c *gin.Context) {
	if err := h.svc.Mute(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Muted"})
}

// Unmute godoc
// @Summary Unmute the local capture
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Router /api/v1/call/unmute [post]
func (h *Handler) Unmute(c *gin.Context) {
	if err := h.svc.Unmute(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Unmuted"})
}

// Transfer godoc
// @Summary Transfer the active call
// @Description Hand the call off to another extension. The outcome arrives as a notification.
// @Tags Call
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param request body TransferRequest true "Transfer target"
// @Success 202 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/call/transfer [post]
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	if err := h.svc.TransferCall(c.Request.Context(), req.Target); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "Transfer initiated"})
}

// ListCallHistory godoc
// @Summary List the operator's recent calls
// @Tags Call
// @Produce json
// @Security BasicAuth
// @Param limit query int false "Maximum entries" default(100)
// @Success 200 {array} models.CallLog
// @Router /api/v1/calls [get]
func (h *Handler) ListCallHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	calls, err := h.svc.CallHistory(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	if calls == nil {
		calls = []*models.CallLog{}
	}
	c.JSON(http.StatusOK, calls)
}

// =============================================================================
// Monitor Handlers
// =============================================================================

// StartMonitor godoc
// @Summary Start a supervisor monitoring session
// @Description Open a listen, whisper or barge spy call against an active call
// @Tags Monitor
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param request body StartMonitorRequest true "Monitor request"
// @Success 201 {object} monitor.Snapshot
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/monitors [post]
func (h *Handler) StartMonitor(c *gin.Context) {
	var req StartMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	var kind monitor.Kind
	switch req.Kind {
	case "listen":
		kind = monitor.KindListen
	case "whisper":
		kind = monitor.KindWhisper
	case "barge":
		kind = monitor.KindBarge
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: "kind must be listen, whisper or barge"})
		return
	}

	snap, err := h.svc.StartMonitor(c.Request.Context(), req.CallID, kind)
	if err != nil {
		if errors.Is(err, monitor.ErrPendingRegistration) {
			c.JSON(http.StatusAccepted, SuccessResponse{Message: "Monitor queued until registration is restored"})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// ListMonitors godoc
// @Summary List live monitoring sessions
// @Tags Monitor
// @Produce json
// @Security BasicAuth
// @Success 200 {array} monitor.Snapshot
// @Router /api/v1/monitors [get]
func (h *Handler) ListMonitors(c *gin.Context) {
	sessions := h.svc.Monitors()
	if sessions == nil {
		sessions = []monitor.Snapshot{}
	}
	c.JSON(http.StatusOK, sessions)
}

// GetActiveMonitor godoc
// @Summary Get the displayed monitor
// @Tags Monitor
// @Produce json
// @Security BasicAuth
// @Success 200 {object} monitor.Snapshot
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/monitors/active [get]
func (h *Handler) GetActiveMonitor(c *gin.Context) {
	snap := h.svc.ActiveMonitor()
	if snap == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No monitor displayed"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// StopMonitor godoc
// @Summary Close the displayed monitor
// @Description Ends the underlying spy call
// @Tags Monitor
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/monitors/active [delete]
func (h *Handler) StopMonitor(c *gin.Context) {
	if err := h.svc.StopMonitor(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Monitor stopped"})
}

// =============================================================================
// Presence Handlers
// =============================================================================

// GetPresence godoc
// @Summary Get the derived presence
// @Tags Presence
// @Produce json
// @Security BasicAuth
// @Success 200 {object} map[string]string
// @Router /api/v1/presence [get]
func (h *Handler) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": string(h.svc.Presence())})
}

// SetPresence godoc
// @Summary Set the operator presence
// @Description Paused and do_not_disturb tear down the registration; available restores it
// @Tags Presence
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param request body SetPresenceRequest true "Presence"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/presence [put]
func (h *Handler) SetPresence(c *gin.Context) {
	var req SetPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	if err := h.svc.SetPresence(c.Request.Context(), models.PresenceStatus(req.Status)); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid presence", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(h.svc.Presence())})
}

// =============================================================================
// Dashboard / Notifications
// =============================================================================

// GetDashboard godoc
// @Summary Get the live operations dashboard snapshot
// @Tags Dashboard
// @Produce json
// @Security BasicAuth
// @Success 200 {object} dashboard.Snapshot
// @Router /api/v1/dashboard [get]
func (h *Handler) GetDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Dashboard())
}

// ListNotifications godoc
// @Summary List retained user-visible notifications
// @Tags Dashboard
// @Produce json
// @Security BasicAuth
// @Success 200 {array} console.Notification
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Notifications())
}

// HealthCheck godoc
// @Summary Health check
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Registration: h.svc.Registration().Status.String(),
		Presence:     string(h.svc.Presence()),
	})
}
