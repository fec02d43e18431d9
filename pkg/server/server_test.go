// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/potholes/internal/imagetest"
	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/reports"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// greenPredictor classifies images as "pothole" if the center pixel is mostly green.
type greenPredictor struct{}

func (greenPredictor) ClassNames() []string { return []string{"normal", "pothole", "random"} }

func (p greenPredictor) Predict(img image.Image) (*classifier.Prediction, error) {
	b := img.Bounds()
	r, g, _, _ := img.At((b.Min.X+b.Max.X)/2, (b.Min.Y+b.Max.Y)/2).RGBA()
	if g > r {
		return classifier.NewPrediction([]float64{0.1, 0.8, 0.1}, p.ClassNames())
	}
	return classifier.NewPrediction([]float64{0.7, 0.2, 0.1}, p.ClassNames())
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	store, err := reports.Open(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	s := New(greenPredictor{}, store, DefaultConfig())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		_ = store.Close()
	})
	return s, ts
}

// uploadForm creates a multipart body as sent by the capture page.
func uploadForm(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "pothole.jpg")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	for key, value := range fields {
		require.NoError(t, mw.WriteField(key, value))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	defer func() { _ = resp.Body.Close() }()
	var value T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))
	return value
}

func TestRoot(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, map[string]string{"msg": "Hi I am working"}, decodeBody[map[string]string](t, resp))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/analyse", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestAnalyse(t *testing.T) {
	_, ts := newTestServer(t)
	jpeg := imagetest.EncodeJPEG(t, imagetest.Gradient(64, 48, imagetest.ClassColor(1), 20))
	body, contentType := uploadForm(t, jpeg, map[string]string{
		"latitude":  "40.7128",
		"longitude": "-74.006",
		"accuracy":  "15",
		"timestamp": "1744713000000",
	})
	resp, err := http.Post(ts.URL+"/analyse", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[AnalyseResponse](t, resp)
	require.NotNil(t, got.Report)
	assert.Equal(t, "pothole", got.Report.Class)
	assert.InDelta(t, 0.8, got.Report.Confidence, 1e-9)
	assert.InDelta(t, 40.7128, got.Report.Latitude, 1e-9)
	assert.InDelta(t, -74.006, got.Report.Longitude, 1e-9)
	assert.InDelta(t, 15.0, got.Report.Accuracy, 1e-9)
	assert.Equal(t, int64(1744713000000), got.Report.ClientTimestamp.UnixMilli())
	assert.Equal(t, "web", got.Report.Source)
	assert.InDelta(t, 0.1, got.Probabilities["normal"], 1e-9)

	// The report is stored.
	resp, err = http.Get(ts.URL + "/reports/" + got.Report.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decodeBody[reports.Report](t, resp)
	assert.Equal(t, got.Report.ID, stored.ID)
	assert.Equal(t, "pothole", stored.Class)
}

func TestAnalyseErrors(t *testing.T) {
	_, ts := newTestServer(t)

	// No image.
	body, contentType := uploadForm(t, nil, map[string]string{"latitude": "1"})
	resp, err := http.Post(ts.URL+"/analyse", contentType, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]string{"error": "No image uploaded"}, decodeBody[map[string]string](t, resp))

	// Not even multipart.
	resp, err = http.Post(ts.URL+"/analyse", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	// Not an image.
	body, contentType = uploadForm(t, []byte("this is not an image"), nil)
	resp, err = http.Post(ts.URL+"/analyse", contentType, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, map[string]string{"error": "Could not read image"}, decodeBody[map[string]string](t, resp))

	// Invalid location.
	jpeg := imagetest.EncodeJPEG(t, imagetest.Gradient(8, 8, imagetest.ClassColor(0), 10))
	for _, fields := range []map[string]string{
		{"latitude": "north"},
		{"latitude": "91"},
		{"latitude": "NaN"},
		{"longitude": "-Inf"},
		{"accuracy": "Inf"},
		{"accuracy": "-5"},
		{"timestamp": "1e30"},
		{"timestamp": "NaN"},
	} {
		body, contentType = uploadForm(t, jpeg, fields)
		resp, err = http.Post(ts.URL+"/analyse", contentType, body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "fields %v", fields)
		assert.Contains(t, decodeBody[map[string]string](t, resp)["error"], "invalid", "fields %v", fields)
	}

	// Nothing was stored.
	resp, err = http.Get(ts.URL + "/reports")
	require.NoError(t, err)
	assert.Empty(t, decodeBody[[]*reports.Report](t, resp))

	resp, err = http.Get(ts.URL + "/reports/unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestListAndSummary(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	for _, class := range []string{"pothole", "normal", "pothole"} {
		require.NoError(t, s.store.Insert(ctx, &reports.Report{Class: class, Confidence: 0.9}))
	}

	resp, err := http.Get(ts.URL + "/reports?class=pothole&limit=1")
	require.NoError(t, err)
	list := decodeBody[[]*reports.Report](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "pothole", list[0].Class)

	resp, err = http.Get(ts.URL + "/reports?limit=zero")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/reports/summary")
	require.NoError(t, err)
	summary := decodeBody[Summary](t, resp)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, map[string]int{"normal": 1, "pothole": 2, "random": 0}, summary.Classes)
}

func TestWebsocket(t *testing.T) {
	s, ts := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return s.Hub().NumClients() == 1 }, time.Second, 10*time.Millisecond)

	jpeg := imagetest.EncodeJPEG(t, imagetest.Gradient(16, 16, imagetest.ClassColor(0), 10))
	body, contentType := uploadForm(t, jpeg, nil)
	resp, err := http.Post(ts.URL+"/analyse", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	posted := decodeBody[AnalyseResponse](t, resp)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "report", event.Type)
	require.NotNil(t, event.Report)
	assert.Equal(t, posted.Report.ID, event.Report.ID)
	assert.Equal(t, "normal", event.Report.Class)

	// Disallowed origin.
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	ts, err = ParseTimestamp("1744713000000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 15, 10, 30, 0, 0, time.UTC), ts)

	ts, err = ParseTimestamp("2025-04-15T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 15, 10, 30, 0, 0, time.UTC), ts)

	_, err = ParseTimestamp("yesterday")
	require.Error(t, err)

	for _, text := range []string{"1e30", "-1e30", "NaN", "Inf", "253402300800000"} {
		_, err = ParseTimestamp(text)
		require.Error(t, err, text)
	}
	ts, err = ParseTimestamp("253402300799999")
	require.NoError(t, err)
	assert.Equal(t, 9999, ts.Year())
}
