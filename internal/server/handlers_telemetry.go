package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"bonsai-backend/internal/database"
	"bonsai-backend/internal/mqtt"
	"bonsai-backend/internal/ota"
)

type pumpRequest struct {
	Action string `json:"action"`
}

// POST /api/pump/:deviceId
func (s *Server) pumpCommand(c *gin.Context) {
	deviceID := c.Param("deviceId")

	var req pumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid action")
		return
	}

	var on bool
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		badRequest(c, "invalid action")
		return
	}

	if !mqtt.ValidDeviceID(deviceID) {
		badRequest(c, "invalid device id")
		return
	}
	if s.pump == nil {
		s.writeError(c, &ota.Error{Kind: ota.ErrTransport, Message: "message broker not configured"})
		return
	}

	if err := s.pump.PublishPumpCommand(deviceID, on); err != nil {
		s.writeError(c, err)
		return
	}

	command := mqtt.PumpOff
	if on {
		command = mqtt.PumpOn
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "device_id": deviceID, "command": command})
}

// GET /api/devices
func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.telemetry.ListDevices(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

// GET /api/device/:id/latest
func (s *Server) latestTelemetry(c *gin.Context) {
	rec, err := s.telemetry.LatestTelemetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GET /api/history/:id?limit=N
func (s *Server) telemetryHistory(c *gin.Context) {
	limit := database.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := s.telemetry.TelemetryHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}
