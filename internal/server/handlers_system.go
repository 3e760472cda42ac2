package server

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /healthz
func (s *Server) health(c *gin.Context) {
	connected := false
	if s.broker != nil {
		connected = s.broker.IsConnected()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mqtt_connected": connected})
}

// GET /debug/build
func (s *Server) debugBuild(c *gin.Context) {
	hostname, _ := os.Hostname()

	// Missing or unreadable manifest reports as null.
	var manifest any
	if m, err := s.ota.CurrentManifest(); err == nil {
		manifest = m
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"server": gin.H{
			"go_version":     runtime.Version(),
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
			"pid":            os.Getpid(),
			"hostname":       hostname,
		},
		"build": gin.H{
			"timestamp": s.cfg.BuildTimestamp,
		},
		"upload": gin.H{
			"state":     s.ota.State().String(),
			"uploading": s.ota.Uploading(),
		},
		"manifest": manifest,
	})
}
