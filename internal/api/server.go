// Package api exposes the driver's lifecycle and control surface over HTTP:
// lifecycle transitions, the reset/metadata control operations, counters,
// and a websocket feed of live telemetry for monitoring tools.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lidar.driver/internal/driver"
	"github.com/banshee-data/lidar.driver/internal/sensor"
)

// ANSI escape codes for request logging.
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server serves the driver control API.
type Server struct {
	driver   *driver.Driver
	baseCfg  sensor.Config
	upgrader websocket.Upgrader
}

// NewServer wraps the driver. baseCfg is the parameter set used when a
// configure request arrives; it mirrors the flags the process started with.
func NewServer(d *driver.Driver, baseCfg sensor.Config) *Server {
	return &Server{
		driver:  d,
		baseCfg: baseCfg,
		upgrader: websocket.Upgrader{
			// The API binds to operator-controlled interfaces; monitor
			// clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// logRequest wraps a handler with request logging.
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("%s %s %s %v", r.Method, r.URL.Path, statusCodeColor(lrw.statusCode), time.Since(start))
	})
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /lifecycle/configure", s.handleConfigure)
	mux.HandleFunc("POST /lifecycle/activate", s.lifecycleHandler(s.driver.Activate))
	mux.HandleFunc("POST /lifecycle/deactivate", s.lifecycleHandler(s.driver.Deactivate))
	mux.HandleFunc("POST /lifecycle/cleanup", s.lifecycleHandler(s.driver.Cleanup))
	mux.HandleFunc("POST /lifecycle/shutdown", s.lifecycleHandler(s.driver.Shutdown))

	mux.HandleFunc("POST /control/reset", s.handleReset)
	mux.HandleFunc("GET /control/metadata", s.handleMetadata)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return logRequest(mux)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// lifecycleHandler adapts a lifecycle operation to an HTTP handler. An
// ignored transition is reported as success-shaped, per the guard contract.
func (s *Server) lifecycleHandler(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := op()
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{
				"result": "ok",
				"state":  s.driver.State().String(),
			})
		case errors.Is(err, driver.ErrIgnored):
			writeJSON(w, http.StatusOK, map[string]string{
				"result": "ignored",
				"state":  s.driver.State().String(),
			})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
				"state": s.driver.State().String(),
			})
		}
	}
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(func() error {
		return s.driver.Configure(s.baseCfg)
	})(w, r)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ok, err := s.driver.Reset()
	switch {
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	case ok:
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, ok := s.driver.Metadata()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "lidar-driver",
		"state":     s.driver.State().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// telemetryFrame is one stats payload, shared by /stats and the websocket
// feed.
type telemetryFrame struct {
	State string                   `json:"state"`
	Stats driver.LoopStatsSnapshot `json:"stats"`
	Time  time.Time                `json:"time"`
}

func (s *Server) telemetry() telemetryFrame {
	return telemetryFrame{
		State: s.driver.State().String(),
		Stats: s.driver.Stats(),
		Time:  time.Now().UTC(),
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.telemetry())
}

// handleWebsocket streams telemetry frames once per second until the client
// goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.telemetry()); err != nil {
			return
		}
	}
}
