package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teilomillet/promptbench/metrics"
)

func relayURL(target string) string {
	return "/api/proxy?target=" + url.QueryEscape(target)
}

func TestAllowed(t *testing.T) {
	p := New([]string{"api.openai.com", " LocalHost ", ""}, 0)

	tests := []struct {
		host string
		want bool
	}{
		{"api.openai.com", true},
		{"API.OPENAI.COM", true},
		{"eu.api.openai.com", true},
		{"localhost", true},
		{"evilapi.openai.com.attacker.io", false},
		{"notapi.openai.com", false},
		{"openai.com", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Allowed(tt.host), tt.host)
	}

	p.Update([]string{"api.groq.com"}, time.Second)
	assert.False(t, p.Allowed("api.openai.com"))
	assert.True(t, p.Allowed("api.groq.com"))
}

func TestRejectedTargets(t *testing.T) {
	m := metrics.NewMetrics()
	p := New([]string{"api.openai.com"}, 0, WithMetrics(m), WithLogger(zaptest.NewLogger(t)))

	tests := []struct {
		name     string
		path     string
		status   int
		errType  string
		contains string
	}{
		{"missing target", "/api/proxy", http.StatusBadRequest, "bad_request", "Missing target URL parameter"},
		{"relative target", relayURL("/v1/chat/completions"), http.StatusBadRequest, "bad_request", "Invalid target URL"},
		{"unsupported scheme", relayURL("ftp://api.openai.com/x"), http.StatusBadRequest, "bad_request", "Invalid target URL"},
		{"disallowed domain", relayURL("https://example.com/v1/chat/completions"), http.StatusForbidden, "forbidden", "Target domain not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest("POST", tt.path, strings.NewReader("{}")))

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.errType, body["type"])
			assert.Contains(t, body["message"], tt.contains)
		})
	}

	assert.Equal(t, float64(4), testutil.ToFloat64(m.ProxyRequests.WithLabelValues("rejected")))
}

func TestRelayForwardsAndRewritesAuth(t *testing.T) {
	var got *http.Request
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	m := metrics.NewMetrics()
	p := New([]string{"127.0.0.1"}, time.Minute, WithMetrics(m))

	req := httptest.NewRequest("POST", relayURL(upstream.URL+"/v1/chat/completions?x=1"), strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "sk-secret")
	req.Header.Set("X-Client-Request-Id", "corr-1")
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.NotNil(t, got)
	assert.Equal(t, "/v1/chat/completions", got.URL.Path)
	assert.Equal(t, "1", got.URL.Query().Get("x"))
	assert.Equal(t, "Bearer sk-secret", got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("X-API-Key"))
	assert.Empty(t, got.Header.Get("Origin"))
	assert.Equal(t, "corr-1", got.Header.Get("X-Client-Request-Id"))
	assert.Equal(t, `{"model":"m"}`, gotBody)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProxyRequests.WithLabelValues("forwarded")))
}

func TestRelayKeepsAuthorizationWithoutAPIKey(t *testing.T) {
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	p := New([]string{"127.0.0.1"}, 0)
	req := httptest.NewRequest("POST", relayURL(upstream.URL), nil)
	req.Header.Set("Authorization", "Bearer direct")
	p.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "Bearer direct", auth)
}

func TestRelayStreamsEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"a\":1}\n\n"))
		w.(http.Flusher).Flush()
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	p := New([]string{"127.0.0.1"}, 0)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("POST", relayURL(upstream.URL), nil))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: {\"a\":1}\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestRelayTransportError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	m := metrics.NewMetrics()
	p := New([]string{"127.0.0.1"}, 0, WithMetrics(m))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("POST", relayURL(target), nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Proxy error")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProxyRequests.WithLabelValues("error")))
}
