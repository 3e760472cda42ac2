package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/jsonc"

	"bonsai-backend/internal/models"
	"bonsai-backend/internal/mqtt"
	"bonsai-backend/internal/storage"
)

// maxConfigBody bounds POST /api/config bodies.
const maxConfigBody = 256 << 10

// GET /api/config
//
// A missing document reads as {}.
func (s *Server) getConfig(c *gin.Context) {
	cfg, err := s.ota.CurrentConfig()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// POST /api/config
func (s *Server) saveConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody+1))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if len(body) > maxConfigBody {
		badRequest(c, "config document too large")
		return
	}

	cfg, err := models.ParseDeviceConfig(jsonc.ToJSON(body))
	if err != nil {
		badRequest(c, "config must be a valid JSON object")
		return
	}

	stored, err := s.ota.SaveConfig(c.Request.Context(), cfg, s.baseURL(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "config_version": stored.ConfigVersion})
}

type pushConfigRequest struct {
	DeviceID string `json:"device_id"`
	Live     bool   `json:"live"`
}

// POST /api/config/push
//
// An empty body pushes to the global mailbox.
func (s *Server) pushConfig(c *gin.Context) {
	var req pushConfigRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, "invalid push request")
			return
		}
	}
	if req.DeviceID != "" && !mqtt.ValidDeviceID(req.DeviceID) {
		badRequest(c, "invalid device id")
		return
	}

	cfg, err := s.ota.PushConfig(c.Request.Context(), models.ConfigTarget{DeviceID: req.DeviceID, Live: req.Live})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "config_version": cfg.ConfigVersion})
}
