package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lidar.driver/internal/driver"
	"github.com/banshee-data/lidar.driver/internal/sensor"
)

// stubSession satisfies sensor.Session without any I/O.
type stubSession struct{}

func (stubSession) Poll() sensor.TickResult   { return sensor.TickResult{} }
func (stubSession) Reset(sensor.Config) error { return nil }
func (stubSession) Close() error              { return nil }

func (stubSession) Metadata() sensor.Metadata {
	identity := []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	return sensor.Metadata{
		SerialNumber:           "991234567890",
		BeamAltitudeAngles:     []float64{1, -1},
		BeamAzimuthAngles:      []float64{0, 0},
		ImuToSensorTransform:   identity,
		LidarToSensorTransform: identity,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d := driver.New(driver.Options{
		Period: time.Millisecond,
		OpenSession: func(sensor.Config) (sensor.Session, error) {
			return stubSession{}, nil
		},
	})
	t.Cleanup(func() { d.Shutdown() })
	return NewServer(d, sensor.Config{SensorAddr: "10.5.5.96", HostAddr: "10.5.5.1"})
}

func do(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: bad JSON %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	code, body := do(t, s.Handler(), http.MethodGet, "/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["state"] != "unconfigured" {
		t.Fatalf("body = %v", body)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	code, body := do(t, h, http.MethodPost, "/lifecycle/configure")
	if code != http.StatusOK || body["result"] != "ok" || body["state"] != "inactive" {
		t.Fatalf("configure: %d %v", code, body)
	}

	// Out-of-state transitions report ignored, not errors.
	code, body = do(t, h, http.MethodPost, "/lifecycle/configure")
	if code != http.StatusOK || body["result"] != "ignored" {
		t.Fatalf("second configure: %d %v", code, body)
	}

	code, body = do(t, h, http.MethodPost, "/lifecycle/activate")
	if code != http.StatusOK || body["state"] != "active" {
		t.Fatalf("activate: %d %v", code, body)
	}

	code, body = do(t, h, http.MethodPost, "/lifecycle/deactivate")
	if code != http.StatusOK || body["state"] != "inactive" {
		t.Fatalf("deactivate: %d %v", code, body)
	}

	code, body = do(t, h, http.MethodPost, "/lifecycle/cleanup")
	if code != http.StatusOK || body["state"] != "unconfigured" {
		t.Fatalf("cleanup: %d %v", code, body)
	}

	code, body = do(t, h, http.MethodPost, "/lifecycle/shutdown")
	if code != http.StatusOK || body["state"] != "finalized" {
		t.Fatalf("shutdown: %d %v", code, body)
	}
}

func TestControlEndpointsGatedOnActive(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	if _, body := do(t, h, http.MethodPost, "/control/reset"); body["result"] != "ignored" {
		t.Fatalf("reset while unconfigured: %v", body)
	}
	if _, body := do(t, h, http.MethodGet, "/control/metadata"); body["result"] != "ignored" {
		t.Fatalf("metadata while unconfigured: %v", body)
	}

	do(t, h, http.MethodPost, "/lifecycle/configure")
	do(t, h, http.MethodPost, "/lifecycle/activate")

	if _, body := do(t, h, http.MethodPost, "/control/reset"); body["result"] != "ok" {
		t.Fatalf("reset while active: %v", body)
	}
	if _, body := do(t, h, http.MethodGet, "/control/metadata"); body["prod_sn"] != "991234567890" {
		t.Fatalf("metadata while active: %v", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	code, body := do(t, s.Handler(), http.MethodGet, "/stats")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["state"] != "unconfigured" {
		t.Fatalf("state = %v", body["state"])
	}
	if _, ok := body["stats"].(map[string]any); !ok {
		t.Fatalf("stats missing: %v", body)
	}
}

func TestLifecycleEndpointsRejectGet(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/lifecycle/configure", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on lifecycle endpoint: %d", rec.Code)
	}
}

func TestWebsocketStreamsTelemetry(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		State string          `json:"state"`
		Stats json.RawMessage `json:"stats"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.State != "unconfigured" {
		t.Fatalf("state = %q", frame.State)
	}
	if len(frame.Stats) == 0 {
		t.Fatal("stats missing from telemetry frame")
	}
}
