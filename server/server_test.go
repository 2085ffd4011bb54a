package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teilomillet/promptbench/config"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/mocks"
	"github.com/teilomillet/promptbench/tokens"
)

type wordCounters struct{}

type wordTokenizer struct{}

func (wordTokenizer) Encode(text string, _, _ []string) []int {
	return make([]int, len(strings.Fields(text)))
}

func (wordCounters) Get(string) (*tokens.Counter, error) {
	return tokens.NewCounterWith(wordTokenizer{}), nil
}

// newUpstream answers chat completions and records the last Authorization
// header it saw.
func newUpstream(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"pong"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &auth
}

func testConfig(upstream string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.TestMode = true
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Workspace.BaseURL = upstream
	cfg.Proxy.AllowedDomains = []string{"127.0.0.1"}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *mocks.MockConfigWatcher) {
	t.Helper()
	watcher := mocks.NewMockConfigWatcher(cfg)
	s, err := New(watcher, zaptest.NewLogger(t), WithTokenCounters(wordCounters{}))
	require.NoError(t, err)
	return s, watcher
}

func serve(s *Server, method, target string, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const runBody = `{"draft":{"userSegments":[{"id":"s1","enabled":true,"text":"ping"}]}}`

func TestHealth(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	for _, path := range []string{"/health", "/api/health"} {
		w := serve(s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.False(t, resp.Running)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.NotEmpty(t, w.Header().Get("X-Response-Time"))
	}
}

func TestHealth_ReportsBreakers(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	w := serve(s, http.MethodPost, "/v1/runs", runBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(s, http.MethodGet, "/health", "")
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Breakers, 1)
	for _, state := range resp.Breakers {
		assert.Equal(t, "closed", state)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	serve(s, http.MethodPost, "/v1/runs", runBody)
	serve(s, http.MethodGet, "/v1/defaults", "")

	w := serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "promptbench_http_requests_total")
	assert.Contains(t, body, `endpoint="/v1/defaults"`)
	assert.Contains(t, body, "promptbench_runs_total")
	assert.Contains(t, body, "promptbench_tokens_total")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	w := serve(s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, errors.NotFoundError, resp.Type)
	assert.NotEmpty(t, resp.RequestID)

	w = serve(s, http.MethodPut, "/v1/defaults", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "method not allowed")
}

func TestCORSPreflight(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	w := serve(s, http.MethodOptions, "/api/proxy", "", "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestProxyRoute(t *testing.T) {
	upstream, auth := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	target := "/api/proxy?target=" + url.QueryEscape(upstream.URL+"/v1/chat/completions")
	w := serve(s, http.MethodPost, target, `{"model":"m"}`, "X-API-Key", "sk-relay", "Origin", "http://localhost:5173")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Bearer sk-relay", *auth)
	assert.Contains(t, w.Body.String(), "pong")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(s, http.MethodPost, "/api/proxy?target="+url.QueryEscape("https://evil.example/v1"), `{}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Target domain not allowed")
}

func TestProxyRoute_RateLimited(t *testing.T) {
	upstream, _ := newUpstream(t)
	cfg := testConfig(upstream.URL)
	cfg.Proxy.RateLimit.Requests = 1
	cfg.Proxy.RateLimit.Burst = 1
	s, _ := newTestServer(t, cfg)

	target := "/api/proxy?target=" + url.QueryEscape(upstream.URL+"/v1/chat/completions")
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, target, `{}`).Code)

	w := serve(s, http.MethodPost, target, `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The limiter only guards the relay.
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/v1/defaults", "").Code)
}

func TestProxyDisabled(t *testing.T) {
	upstream, _ := newUpstream(t)
	cfg := testConfig(upstream.URL)
	cfg.Proxy.Enabled = false
	s, _ := newTestServer(t, cfg)

	target := "/api/proxy?target=" + url.QueryEscape(upstream.URL+"/v1/chat/completions")
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodPost, target, `{}`).Code)
}

func TestConfigReload(t *testing.T) {
	upstream, _ := newUpstream(t)
	cfg := testConfig(upstream.URL)
	s, watcher := newTestServer(t, cfg)

	sub := watcher.Subscribe()
	applied := make(chan struct{})
	go func() {
		for c := range sub {
			s.applyConfig(c)
			applied <- struct{}{}
		}
	}()

	next := testConfig(upstream.URL)
	next.Proxy.AllowedDomains = []string{"api.openai.com"}
	next.Workspace.ModelID = "gpt-4.1"
	watcher.UpdateConfig(next)

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not applied")
	}

	target := "/api/proxy?target=" + url.QueryEscape(upstream.URL+"/v1/chat/completions")
	assert.Equal(t, http.StatusForbidden, serve(s, http.MethodPost, target, `{}`).Code)

	w := serve(s, http.MethodGet, "/v1/defaults", "")
	assert.Contains(t, w.Body.String(), `"modelId":"gpt-4.1"`)
	watcher.Close()
}

func TestWatchConfig_StopsWhenWatcherCloses(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, watcher := newTestServer(t, testConfig(upstream.URL))

	done := make(chan struct{})
	go func() {
		s.watchConfig(context.Background())
		close(done)
	}()

	// Close until the subscription made by watchConfig is gone.
	deadline := time.After(2 * time.Second)
	for {
		watcher.Close()
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("watchConfig did not return")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFileHistorySurvivesRestart(t *testing.T) {
	upstream, _ := newUpstream(t)
	dir := t.TempDir()
	cfg := testConfig(upstream.URL)
	cfg.History.Type = "file"
	cfg.History.Path = filepath.Join(dir, "runs.json")
	cfg.History.TestCasesPath = filepath.Join(dir, "cases.json")

	s, _ := newTestServer(t, cfg)
	w := serve(s, http.MethodPost, "/v1/runs", runBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = serve(s, http.MethodPost, "/v1/testcases", `{"name":"smoke"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	_, err := os.Stat(cfg.History.Path)
	require.NoError(t, err)

	restarted, _ := newTestServer(t, cfg)
	w = serve(restarted, http.MethodGet, "/v1/runs", "")
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "pong", runs[0]["outputText"])

	w = serve(restarted, http.MethodGet, "/v1/testcases", "")
	assert.Contains(t, w.Body.String(), "smoke")
}

func TestNew_UnreadableHistory(t *testing.T) {
	upstream, _ := newUpstream(t)
	path := filepath.Join(t.TempDir(), "runs.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	cfg := testConfig(upstream.URL)
	cfg.History.Type = "file"
	cfg.History.Path = path

	_, err := New(mocks.NewMockConfigWatcher(cfg), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, errors.ConfigError, errors.TypeOf(err))
}

func TestStart_GracefulShutdown(t *testing.T) {
	upstream, _ := newUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream.URL))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunThroughRelay(t *testing.T) {
	upstream, auth := newUpstream(t)
	cfg := testConfig(upstream.URL)
	cfg.Workspace.APIKey = "sk-workspace-key-123456"

	s, _ := newTestServer(t, cfg)
	front := httptest.NewServer(s.Handler())
	defer front.Close()

	body, err := json.Marshal(map[string]interface{}{
		"draft": map[string]interface{}{
			"userSegments": []map[string]interface{}{{"id": "s1", "enabled": true, "text": "ping"}},
		},
		"connection": map[string]interface{}{
			"useProxy": true,
			"proxyURL": front.URL + "/api/proxy",
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(front.URL+"/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec struct {
		OutputText     string            `json:"outputText"`
		URL            string            `json:"url"`
		RequestHeaders map[string]string `json:"requestHeaders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "pong", rec.OutputText)
	assert.Contains(t, rec.URL, "/api/proxy?target=")
	assert.Equal(t, "$OPENAI_API_KEY", rec.RequestHeaders["X-API-Key"])
	assert.Equal(t, "Bearer sk-workspace-key-123456", *auth)
}
