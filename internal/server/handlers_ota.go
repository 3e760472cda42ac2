package server

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"bonsai-backend/internal/ota"
	"bonsai-backend/internal/storage"
)

// Multipart framing allowance on top of the firmware ceiling.
const uploadOverhead = 64 << 10

// maxVersionFileSize bounds the version side-file.
const maxVersionFileSize = 1 << 10

// POST /upload-firmware
func (s *Server) uploadFirmware(c *gin.Context) {
	authorization := c.GetHeader("Authorization")
	if err := s.ota.Authorize(authorization); err != nil {
		s.writeError(c, err)
		return
	}

	limit := s.ota.Store().MaxFirmwareSize() + maxVersionFileSize + uploadOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	if err := c.Request.ParseMultipartForm(s.engine.MaxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(c, "firmware too large")
			return
		}
		badRequest(c, "invalid multipart form")
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	req := ota.UploadRequest{
		Version:       c.Request.PostFormValue("version"),
		Authorization: authorization,
		BaseURL:       s.baseURL(c),
	}

	if fw, _, err := c.Request.FormFile("firmware"); err == nil {
		defer fw.Close()
		req.Firmware = fw
	}

	if vf, _, err := c.Request.FormFile("version_file"); err == nil {
		data, err := io.ReadAll(io.LimitReader(vf, maxVersionFileSize))
		vf.Close()
		if err != nil {
			badRequest(c, "unreadable version_file")
			return
		}
		req.VersionFile = data
	}

	manifest, err := s.ota.UploadFirmware(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "manifest": manifest})
}

// GET /firmware/esp32.bin
func (s *Server) firmwareBinary(c *gin.Context) {
	// Serve from the open handle so a concurrent swap cannot mix files.
	f, err := os.Open(s.ota.Store().FirmwarePath())
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "firmware not found"})
			return
		}
		s.writeError(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Type", "application/octet-stream")
	http.ServeContent(c.Writer, c.Request, storage.FirmwareFile, info.ModTime(), f)
}

// GET /firmware/manifest.json
func (s *Server) manifestFile(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	s.serveJSONFile(c, s.ota.Store().ManifestPath(), "manifest not found")
}

// GET /config/config.json
func (s *Server) configFile(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	s.serveJSONFile(c, s.ota.Store().ConfigPath(), "config not found")
}

func (s *Server) serveJSONFile(c *gin.Context, path, notFound string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": notFound})
			return
		}
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// POST /api/ota/announce
func (s *Server) announce(c *gin.Context) {
	manifest, err := s.ota.Announce(c.Request.Context(), s.baseURL(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": manifest.Firmware.Version})
}

// GET /api/firmware/version
func (s *Server) firmwareVersion(c *gin.Context) {
	manifest, err := s.ota.CurrentManifest()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "manifest not found"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest.Firmware)
}

// baseURL is BASE_URL when configured, else derived from forwarding
// headers or the request itself.
func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	return resolveBaseURL(c.Request)
}

func resolveBaseURL(r *http.Request) string {
	proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto"))
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	return proto + "://" + EffectiveHost(r)
}

