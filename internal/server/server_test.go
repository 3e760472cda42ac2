package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"bonsai-backend/internal/database"
	"bonsai-backend/internal/models"
	"bonsai-backend/internal/ota"
	"bonsai-backend/internal/testutil"
)

const updateHost = "update.example.com"

func init() {
	gin.SetMode(gin.TestMode)
}

type pumpCall struct {
	deviceID string
	on       bool
}

type fakePump struct {
	mu    sync.Mutex
	err   error
	calls []pumpCall
}

func (p *fakePump) PublishPumpCommand(deviceID string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, pumpCall{deviceID, on})
	return nil
}

type testEnv struct {
	srv       *Server
	svc       *ota.Service
	announcer *testutil.RecordingAnnouncer
	telemetry *database.SQLiteStore
	pump      *fakePump
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	clk := testutil.FixedClock()
	store := testutil.NewTestContentStore(t, clk)
	announcer := testutil.NewRecordingAnnouncer()
	svc := ota.NewService(store, announcer, clk, testutil.DiscardLogger(), ota.ServiceConfig{Token: token})
	telemetry := testutil.NewTestTelemetryStore(t)
	pump := &fakePump{}

	cfg := DefaultConfig()
	cfg.UpdateHost = updateHost
	cfg.BuildTimestamp = "2024-01-15T10:30:00Z"

	return &testEnv{
		srv:       New(cfg, svc, telemetry, pump, nil, testutil.DiscardLogger()),
		svc:       svc,
		announcer: announcer,
		telemetry: telemetry,
		pump:      pump,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (e *testEnv) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

type uploadForm struct {
	firmware    []byte // nil omits the part
	version     string
	versionFile string
	token       string
}

func uploadRequest(t *testing.T, form uploadForm) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if form.firmware != nil {
		part, err := w.CreateFormFile("firmware", "esp32.bin")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(form.firmware)
	}
	if form.versionFile != "" {
		part, err := w.CreateFormFile("version_file", "version.txt")
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(form.versionFile))
	}
	if form.version != "" {
		w.WriteField("version", form.version)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload-firmware", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Host = "ota.local"
	if form.token != "" {
		req.Header.Set("Authorization", "Bearer "+form.token)
	}
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return v
}

type uploadResponse struct {
	Success  bool            `json:"success"`
	Manifest models.Manifest `json:"manifest"`
	Error    string          `json:"error"`
}

func TestUploadThenDownload(t *testing.T) {
	env := newTestEnv(t, "secret")
	firmware := bytes.Repeat([]byte{0xE9, 0x42}, 2048)

	rec := env.do(uploadRequest(t, uploadForm{firmware: firmware, version: "v1.2.3", token: "secret"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[uploadResponse](t, rec)
	if !resp.Success || resp.Manifest.Firmware.Version != "v1.2.3" {
		t.Errorf("upload response = %+v", resp)
	}
	if resp.Manifest.Firmware.URL != "http://ota.local/firmware/esp32.bin" {
		t.Errorf("firmware URL = %q", resp.Manifest.Firmware.URL)
	}

	rec = env.get("/firmware/esp32.bin")
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), firmware) {
		t.Error("downloaded bytes differ from upload")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}

	rec = env.get("/firmware/manifest.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("manifest Cache-Control = %q, want no-store", cc)
	}
	manifest := decode[models.Manifest](t, rec)
	if manifest.Firmware.SHA256 != resp.Manifest.Firmware.SHA256 || manifest.Firmware.Size != int64(len(firmware)) {
		t.Errorf("manifest file = %+v", manifest.Firmware)
	}

	rec = env.get("/api/firmware/version")
	fw := decode[models.FirmwareDescriptor](t, rec)
	if fw.Version != "v1.2.3" {
		t.Errorf("/api/firmware/version = %+v", fw)
	}

	if len(env.announcer.Manifests()) != 1 {
		t.Error("manifest was not announced")
	}
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name   string
		form   uploadForm
		status int
	}{
		{name: "bad version", form: uploadForm{firmware: []byte("fw"), version: "1.2", token: "secret"}, status: http.StatusBadRequest},
		{name: "missing version", form: uploadForm{firmware: []byte("fw"), token: "secret"}, status: http.StatusBadRequest},
		{name: "missing file", form: uploadForm{version: "v1.0.0", token: "secret"}, status: http.StatusBadRequest},
		{name: "bad token", form: uploadForm{firmware: []byte("fw"), version: "v1.0.0", token: "wrong"}, status: http.StatusUnauthorized},
		{name: "no token", form: uploadForm{firmware: []byte("fw"), version: "v1.0.0"}, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "secret")
			rec := env.do(uploadRequest(t, tt.form))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
			if env.get("/firmware/esp32.bin").Code != http.StatusNotFound {
				t.Error("firmware became downloadable after a rejected upload")
			}
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.postJSON("/upload-firmware", `{"version":"v1.0.0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.Store().SetMaxFirmwareSize(1024)

	rec := env.do(uploadRequest(t, uploadForm{firmware: make([]byte, 4096), version: "v1.0.0"}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpload_VersionFileWins(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(uploadRequest(t, uploadForm{firmware: []byte("fw"), version: "v1.0.0", versionFile: "v1.0.0+202401151030\n"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if v := decode[uploadResponse](t, rec).Manifest.Firmware.Version; v != "v1.0.0+202401151030" {
		t.Errorf("version = %q, want the side-file value", v)
	}
}

func TestUpload_Conflict(t *testing.T) {
	env := newTestEnv(t, "")
	env.announcer.Gate = make(chan struct{})
	env.announcer.Entered = make(chan struct{}, 1)

	firstReq := uploadRequest(t, uploadForm{firmware: []byte("payload-A"), version: "v1.0.0"})
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- env.do(firstReq)
	}()
	<-env.announcer.Entered

	rec := env.do(uploadRequest(t, uploadForm{firmware: []byte("payload-B"), version: "v2.0.0"}))
	if rec.Code != http.StatusConflict {
		t.Errorf("second upload status = %d, want 409", rec.Code)
	}

	close(env.announcer.Gate)
	if rec := <-first; rec.Code != http.StatusOK {
		t.Errorf("first upload status = %d", rec.Code)
	}

	if body := env.get("/firmware/esp32.bin").Body.String(); body != "payload-A" {
		t.Errorf("stored firmware = %q, want payload-A", body)
	}
}

func TestAnnounce(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.postJSON("/api/ota/announce", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !decode[map[string]any](t, rec)["ok"].(bool) {
		t.Error("ok = false")
	}

	published := env.announcer.Manifests()
	if len(published) != 1 || published[0].Firmware.Version != ota.PlaceholderVersion {
		t.Errorf("published = %+v, want the placeholder manifest", published)
	}

	env.announcer.Err = errors.New("broker down")
	if rec := env.postJSON("/api/ota/announce", ""); rec.Code != http.StatusOK {
		t.Errorf("announce with broker down status = %d, want 200", rec.Code)
	}
}

func TestManifestAndConfigMissing(t *testing.T) {
	env := newTestEnv(t, "")

	for _, path := range []string{"/firmware/manifest.json", "/config/config.json", "/firmware/esp32.bin", "/api/firmware/version"} {
		if rec := env.get(path); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.get("/api/config")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("GET /api/config before any save = %d %s, want 200 {}", rec.Code, rec.Body)
	}

	rec = env.postJSON("/api/config", `{"a":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d body %s", rec.Code, rec.Body)
	}
	saved := decode[map[string]any](t, rec)
	version, _ := saved["config_version"].(string)
	if len(version) != 14 {
		t.Fatalf("config_version = %q, want 14 digits", version)
	}
	for _, r := range version {
		if r < '0' || r > '9' {
			t.Fatalf("config_version %q is not numeric", version)
		}
	}

	rec = env.get("/api/config")
	got := decode[map[string]any](t, rec)
	if got["config_version"] != version || got["a"] != float64(1) {
		t.Errorf("GET /api/config = %v", got)
	}

	rec = env.get("/config/config.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("static config status = %d", rec.Code)
	}
	if decode[map[string]any](t, rec)["config_version"] != version {
		t.Error("static config out of sync")
	}

	configs := env.announcer.Configs()
	if len(configs) != 1 || configs[0].Config.ConfigVersion != version {
		t.Errorf("config publications = %+v", configs)
	}
}

func TestSaveConfig_Invalid(t *testing.T) {
	env := newTestEnv(t, "")

	for _, body := range []string{`[1,2]`, `"text"`, `{"a":`, ``} {
		if rec := env.postJSON("/api/config", body); rec.Code != http.StatusBadRequest {
			t.Errorf("POST /api/config %q = %d, want 400", body, rec.Code)
		}
	}
}

func TestSaveConfig_KeepsValuesOfUnexpectedType(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.postJSON("/api/config", `{"mqtt_port":"1883","wifi_ssid":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	rec = env.get("/api/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d body %s", rec.Code, rec.Body)
	}
	got := decode[map[string]any](t, rec)
	if got["mqtt_port"] != "1883" {
		t.Errorf("mqtt_port = %v, want \"1883\"", got["mqtt_port"])
	}
	if v, ok := got["wifi_ssid"]; !ok || v != nil {
		t.Errorf("wifi_ssid = %v (present %v), want null", v, ok)
	}
}

func TestSaveConfig_AcceptsComments(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.postJSON("/api/config", "{\n  // seconds\n  \"measurement_interval\": 600,\n}")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	got := decode[map[string]any](t, env.get("/api/config"))
	if got["measurement_interval"] != float64(600) {
		t.Errorf("measurement_interval = %v", got["measurement_interval"])
	}
}

func TestPushConfig(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.postJSON("/api/config/push", ""); rec.Code != http.StatusNotFound {
		t.Errorf("push without config = %d, want 404", rec.Code)
	}

	env.postJSON("/api/config", `{"debug":true}`)

	rec := env.postJSON("/api/config/push", `{"device_id":"dev1","live":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("push status = %d body %s", rec.Code, rec.Body)
	}
	configs := env.announcer.Configs()
	last := configs[len(configs)-1]
	if last.Target != (models.ConfigTarget{DeviceID: "dev1", Live: true}) {
		t.Errorf("target = %+v", last.Target)
	}

	if rec := env.postJSON("/api/config/push", `{"device_id":"a/b"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("push to wildcard id = %d, want 400", rec.Code)
	}
}

func TestPumpCommand(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.postJSON("/api/pump/dev1", `{"action":"on"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	rec = env.postJSON("/api/pump/dev1", `{"action":"OFF"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	want := []pumpCall{{"dev1", true}, {"dev1", false}}
	if len(env.pump.calls) != 2 || env.pump.calls[0] != want[0] || env.pump.calls[1] != want[1] {
		t.Errorf("pump calls = %+v, want %+v", env.pump.calls, want)
	}

	for _, body := range []string{`{"action":"toggle"}`, `{}`, `not json`} {
		if rec := env.postJSON("/api/pump/dev1", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s status = %d, want 400", body, rec.Code)
		}
	}

	env.pump.err = &ota.Error{Kind: ota.ErrTransport, Message: "message broker not connected"}
	if rec := env.postJSON("/api/pump/dev1", `{"action":"on"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("broker down status = %d, want 503", rec.Code)
	}
}

func TestTelemetryQueries(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec := env.get("/api/devices")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty device list = %s, want []", rec.Body)
	}
	if rec := env.get("/api/device/dev1/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("latest for unknown device = %d, want 404", rec.Code)
	}

	for i := 0; i < 5; i++ {
		temp := 20.0 + float64(i)
		err := env.telemetry.InsertTelemetry(ctx, &models.TelemetryRecord{
			DeviceID:    "dev1",
			Temperature: &temp,
			CreatedAt:   testutil.FixedTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	hum := 50.0
	env.telemetry.InsertTelemetry(ctx, &models.TelemetryRecord{DeviceID: "dev0", Humidity: &hum, CreatedAt: testutil.FixedTime})

	devices := decode[[]string](t, env.get("/api/devices"))
	if len(devices) != 2 || devices[0] != "dev0" || devices[1] != "dev1" {
		t.Errorf("devices = %v", devices)
	}

	latest := decode[models.TelemetryRecord](t, env.get("/api/device/dev1/latest"))
	if latest.Temperature == nil || *latest.Temperature != 24 {
		t.Errorf("latest = %+v", latest)
	}

	history := decode[[]models.TelemetryRecord](t, env.get("/api/history/dev1"))
	if len(history) != 5 || *history[0].Temperature != 24 || *history[4].Temperature != 20 {
		t.Errorf("history not newest-first: %+v", history)
	}

	limited := decode[[]models.TelemetryRecord](t, env.get("/api/history/dev1?limit=2"))
	if len(limited) != 2 {
		t.Errorf("limited history = %d rows", len(limited))
	}

	if rec := env.get("/api/history/dev1?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestRestrictedHost(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name   string
		host   string
		fwd    string
		path   string
		method string
		want   int
	}{
		{name: "dashboard blocked", host: updateHost, path: "/dashboard", method: http.MethodGet, want: http.StatusNotFound},
		{name: "api blocked", host: updateHost, path: "/api/devices", method: http.MethodGet, want: http.StatusNotFound},
		{name: "host with port blocked", host: updateHost + ":443", path: "/api/devices", method: http.MethodGet, want: http.StatusNotFound},
		{name: "forwarded host blocked", host: "internal:8081", fwd: "Update.Example.com, proxy", path: "/api/devices", method: http.MethodGet, want: http.StatusNotFound},
		{name: "upload proceeds", host: updateHost, path: "/upload-firmware", method: http.MethodPost, want: http.StatusBadRequest},
		{name: "announce proceeds", host: updateHost, path: "/api/ota/announce", method: http.MethodPost, want: http.StatusOK},
		{name: "other host unrestricted", host: "dashboard.example.com", path: "/api/devices", method: http.MethodGet, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Host = tt.host
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-Host", tt.fwd)
			}
			if rec := env.do(req); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestDebugBuildAndHealth(t *testing.T) {
	env := newTestEnv(t, "")

	body := decode[map[string]any](t, env.get("/debug/build"))
	if body["manifest"] != nil {
		t.Errorf("manifest = %v, want null before any build", body["manifest"])
	}
	build := body["build"].(map[string]any)
	if build["timestamp"] != "2024-01-15T10:30:00Z" {
		t.Errorf("build.timestamp = %v", build["timestamp"])
	}
	upload := body["upload"].(map[string]any)
	if upload["state"] != "idle" || upload["uploading"] != false {
		t.Errorf("upload = %v", upload)
	}

	env.postJSON("/api/ota/announce", "")
	body = decode[map[string]any](t, env.get("/debug/build"))
	if body["manifest"] == nil {
		t.Error("manifest missing after announce")
	}

	health := decode[map[string]any](t, env.get("/healthz"))
	if health["status"] != "ok" || health["mqtt_connected"] != false {
		t.Errorf("healthz = %v", health)
	}
}

func TestRecoveryHidesPanics(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.engine.GET("/boom", func(c *gin.Context) { panic("secret detail") })

	rec := env.get("/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if strings.Contains(string(body), "secret detail") {
		t.Error("panic detail leaked to client")
	}
}
