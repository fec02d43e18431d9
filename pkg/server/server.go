// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package server implements the HTTP API used by the capture page and the map dashboard:
// road photos are uploaded with their location, classified, stored as reports and pushed
// to the dashboards connected by websocket.
package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/reports"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the Server.
type Config struct {
	// Addr to listen to, e.g. ":8080".
	Addr string

	// CORSOrigin is the origin allowed to call the API from a browser. Use "*" for any.
	CORSOrigin string

	// MaxUploadBytes limits the size of the /analyse request body.
	MaxUploadBytes int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		CORSOrigin:     "http://localhost:5173",
		MaxUploadBytes: 32 << 20,
	}
}

// Server of the reports API.
type Server struct {
	config    Config
	predictor classifier.Predictor
	store     *reports.Store
	hub       *Hub
	upgrader  websocket.Upgrader
	stopHub   context.CancelFunc
}

// New creates a Server that classifies uploaded images with predictor and saves reports in store.
// The websocket hub is started immediately: call Close to stop it, if Run is not used.
func New(predictor classifier.Predictor, store *reports.Store, config Config) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	s := &Server{
		config:    config,
		predictor: predictor,
		store:     store,
		hub:       NewHub(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	var hubCtx context.Context
	hubCtx, s.stopHub = context.WithCancel(context.Background())
	go s.hub.Run(hubCtx)
	return s
}

// Hub returns the websocket hub, used to push new reports.
func (s *Server) Hub() *Hub { return s.hub }

// Close stops the websocket hub, disconnecting all clients.
func (s *Server) Close() {
	s.stopHub()
}

// Handler returns the http.Handler with all the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /analyse", s.handleAnalyse)
	mux.HandleFunc("GET /reports", s.handleListReports)
	mux.HandleFunc("GET /reports/summary", s.handleSummary)
	mux.HandleFunc("GET /reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return s.cors(logRequests(mux))
}

// Run serves the API until ctx is cancelled, and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		klog.Infof("Serving on %s", s.config.Addr)
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return errors.Wrapf(err, "server on %s failed", s.config.Addr)
	case <-ctx.Done():
	}
	klog.Infof("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down server")
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.config.CORSOrigin == "*" || origin == s.config.CORSOrigin {
		return true
	}
	// Same host.
	return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.config.CORSOrigin; origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if origin != "*" {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		klog.V(2).Infof("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		klog.Errorf("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Hi I am working"})
}

// AnalyseResponse is returned by POST /analyse.
type AnalyseResponse struct {
	Message       string             `json:"message"`
	Report        *reports.Report    `json:"report"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Event is pushed to the websocket clients.
type Event struct {
	Type   string          `json:"type"`
	Report *reports.Report `json:"report"`
}

func (s *Server) handleAnalyse(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No image uploaded")
		return
	}
	defer func() { _ = file.Close() }()

	report := &reports.Report{Source: "web"}
	if err = parseLocation(r, report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	img, err := dataset.Decode(file)
	if err != nil {
		klog.Warningf("Could not read uploaded image %q: %v", header.Filename, err)
		writeError(w, http.StatusUnprocessableEntity, "Could not read image")
		return
	}
	pred, err := s.predictor.Predict(img)
	if err != nil {
		klog.Errorf("Failed to classify uploaded image %q: %+v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to classify image")
		return
	}
	report.Class = pred.Class
	report.Confidence = pred.Confidence
	if err = s.store.Insert(r.Context(), report); err != nil {
		klog.Errorf("Failed to store report: %+v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store report")
		return
	}
	klog.Infof("Report %s: %s at (%.6f, %.6f)", report.ID, pred, report.Latitude, report.Longitude)
	s.Publish(report)

	probabilities := make(map[string]float64, len(pred.Probabilities))
	for ii, name := range s.predictor.ClassNames() {
		if ii < len(pred.Probabilities) {
			probabilities[name] = pred.Probabilities[ii]
		}
	}
	writeJSON(w, http.StatusOK, &AnalyseResponse{
		Message:       "Received image and location",
		Report:        report,
		Probabilities: probabilities,
	})
}

// Publish pushes a new report to all websocket clients.
func (s *Server) Publish(report *reports.Report) {
	message, err := json.Marshal(&Event{Type: "report", Report: report})
	if err != nil {
		klog.Errorf("Failed to encode report %s: %v", report.ID, err)
		return
	}
	s.hub.Broadcast(message)
}

// parseLocation reads the optional location fields of the form. Missing fields are left as zero.
func parseLocation(r *http.Request, report *reports.Report) error {
	for _, field := range []struct {
		name  string
		value *float64
	}{
		{"latitude", &report.Latitude},
		{"longitude", &report.Longitude},
		{"accuracy", &report.Accuracy},
	} {
		text := strings.TrimSpace(r.FormValue(field.name))
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("invalid %s %q", field.name, text)
		}
		*field.value = v
	}
	if report.Latitude < -90 || report.Latitude > 90 || report.Longitude < -180 || report.Longitude > 180 {
		return errors.Errorf("invalid location (%g, %g)", report.Latitude, report.Longitude)
	}
	if report.Accuracy < 0 {
		return errors.Errorf("invalid accuracy %g", report.Accuracy)
	}
	timestamp, err := ParseTimestamp(r.FormValue("timestamp"))
	if err != nil {
		return err
	}
	report.ClientTimestamp = timestamp
	return nil
}

// Range of timestamps, in milliseconds, representable in JSON: years 1 to 9999.
const (
	minTimestampMillis = -62135596800000
	maxTimestampMillis = 253402300799999
)

// ParseTimestamp accepts milliseconds since the Unix epoch, as sent by browsers' geolocation API,
// or an RFC 3339 time. An empty string returns the zero time.
func ParseTimestamp(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(ms) || ms < minTimestampMillis || ms > maxTimestampMillis {
			return time.Time{}, errors.Errorf("invalid timestamp %q", text)
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid timestamp %q", text)
	}
	return t.UTC(), nil
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	filter := reports.Filter{Class: r.URL.Query().Get("class")}
	if limitText := r.URL.Query().Get("limit"); limitText != "" {
		limit, err := strconv.Atoi(limitText)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		klog.Errorf("Failed to list reports: %+v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list reports")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, reports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		klog.Errorf("Failed to get report: %+v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Summary is returned by GET /reports/summary.
type Summary struct {
	Total   int            `json:"total"`
	Classes map[string]int `json:"classes"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Summary(r.Context())
	if err != nil {
		klog.Errorf("Failed to summarize reports: %+v", err)
		writeError(w, http.StatusInternalServerError, "Failed to summarize reports")
		return
	}
	summary := Summary{Classes: make(map[string]int)}
	for _, name := range s.predictor.ClassNames() {
		summary.Classes[name] = 0
	}
	for class, count := range counts {
		summary.Classes[class] = count
		summary.Total += count
	}
	writeJSON(w, http.StatusOK, &summary)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("Websocket upgrade error: %v", err)
		return
	}
	if !s.hub.Register(conn) {
		_ = conn.Close()
		return
	}
	defer s.hub.Unregister(conn)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
	// Clients only listen: reading is needed to process pongs and detect disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
