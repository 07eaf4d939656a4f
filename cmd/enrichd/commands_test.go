package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/enrichd/internal/api"
	"github.com/kalambet/enrichd/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testResponse struct {
	status int
	body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]testResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			status := resp.status
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// execute runs the root command against ts and returns captured stdout.
func execute(t *testing.T, ts *testServer, args ...string) (string, error) {
	t.Helper()

	oldClient := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	oldColor := noColor
	noColor = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		newAPIClient = oldClient
		noColor = oldColor
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

func TestSessionsCreate(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /sessions": {status: http.StatusCreated, body: `{"id":"sess-123"}`},
	})

	out, err := execute(t, ts, "sessions", "create", "203.0.113.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "sess-123" {
		t.Errorf("stdout = %q, want sess-123", out)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["source_ip"] != "203.0.113.7" {
		t.Errorf("body.source_ip = %q", body["source_ip"])
	}
}

func TestSessionsCreate_MissingArgs(t *testing.T) {
	ts := newTestServer(t, nil)

	if _, err := execute(t, ts, "sessions", "create"); err == nil {
		t.Fatal("expected error for missing source ip")
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestSessionsShow(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"GET /sessions/s1": {body: `{"id":"s1","source_ip":"10.0.0.1","created_at":"2026-01-01T00:00:00Z","geo":{"country":"X","latitude":1,"longitude":2},"weather":null}`},
	})

	out, err := execute(t, ts, "sessions", "show", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"country": "X"`) {
		t.Errorf("stdout missing geo: %s", out)
	}
	if !strings.Contains(out, `"weather": null`) {
		t.Errorf("stdout missing null weather: %s", out)
	}
}

func TestSessionsShow_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := execute(t, ts, "sessions", "show", "nope")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestSessionsDelete(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"DELETE /sessions/s1": {status: http.StatusNoContent},
	})

	if _, err := execute(t, ts, "sessions", "delete", "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %q, want DELETE", ts.requests[0].Method)
	}
}

func TestRunCommand(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /enrichment/run": {body: `{"taken":2,"enriched":2,"with_geo":2,"with_weather":1}`},
	})

	if _, err := execute(t, ts, "run"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/enrichment/run" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestRunCommand_Conflict(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /enrichment/run": {status: http.StatusConflict, body: `{"error":{"message":"busy","type":"conflict"}}`},
	})

	_, err := execute(t, ts, "run")
	if err == nil || !strings.Contains(err.Error(), "in flight") {
		t.Fatalf("err = %v, want batch in flight", err)
	}
}

func TestCachePrune(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /cache/prune": {body: `{"geo":3,"weather":4}`},
	})

	if _, err := execute(t, ts, "cache", "prune"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodPost {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestStatusEndpointDecodes(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"GET /status": {body: `{"pending":5,"stats":{"batches":2,"rejected":1,"enriched":9,"failed":0,"batch_running":true}}`},
	})

	resp, err := ts.client().get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st api.Status
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.Pending != 5 || st.Stats.Enriched != 9 || !st.Stats.BatchRunning {
		t.Errorf("status = %+v", st)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"GET /health": {body: `{"status":"ok"}`},
	})

	client := ts.client()
	client.token = ""
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if k.Key == "weather.api_key" {
			t.Error("ShowAll exposed weather.api_key")
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestSetupLogging_JSON(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })

	var buf bytes.Buffer
	setupLogging(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	slog.Debug("probe")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON log line, got %q", buf.String())
	}
}
