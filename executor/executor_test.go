package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teilomillet/promptbench/circuitbreaker"
	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/metrics"
	"github.com/teilomillet/promptbench/prompt"
	"github.com/teilomillet/promptbench/stream"
)

func draft() *prompt.Draft {
	return &prompt.Draft{
		InstructionRole: prompt.RoleSystem,
		InstructionText: "Be terse.",
		UserSegments:    []prompt.Segment{{ID: "s1", Enabled: true, Text: "Hello"}},
	}
}

func request(srv *httptest.Server, mode compiler.EndpointMode, streamed bool) Request {
	p := compiler.DefaultParams()
	p.Stream = streamed
	return Request{
		Draft:  draft(),
		Params: p,
		Connection: compiler.Connection{
			BaseURL:      srv.URL + "/",
			APIKey:       "sk-test-key-0123456789",
			ModelID:      "gpt-4o-mini",
			EndpointMode: mode,
			Headers:      map[string]string{"X-Custom": "1"},
		},
	}
}

// recorder collects hook calls.
type recorder struct {
	mu        sync.Mutex
	states    []State
	chunks    []string
	reasoning []string
	events    []stream.Event
	done      []string
	errs      []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnState:     func(s State) { r.mu.Lock(); r.states = append(r.states, s); r.mu.Unlock() },
		OnChunk:     func(c string) { r.mu.Lock(); r.chunks = append(r.chunks, c); r.mu.Unlock() },
		OnReasoning: func(c string) { r.mu.Lock(); r.reasoning = append(r.reasoning, c); r.mu.Unlock() },
		OnEvent:     func(ev stream.Event) { r.mu.Lock(); r.events = append(r.events, ev); r.mu.Unlock() },
		OnDone:      func(o string) { r.mu.Lock(); r.done = append(r.done, o); r.mu.Unlock() },
		OnError:     func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
	}
}

func TestExecute_ChatNonStreaming(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("X-Request-Id", "up-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"Hi there","reasoning_content":"short"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15,
				"prompt_tokens_details":{"cached_tokens":4},
				"completion_tokens_details":{"reasoning_tokens":1}}
		}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	e := New(WithLogger(zaptest.NewLogger(t)))
	record, err := e.Execute(context.Background(), request(srv, compiler.ModeChat, false), rec.hooks())
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test-key-0123456789", gotHeaders.Get("Authorization"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "1", gotHeaders.Get("X-Custom"))
	assert.NotEmpty(t, gotHeaders.Get("X-Client-Request-Id"))
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])

	assert.Equal(t, StateCompleted, record.State)
	assert.Nil(t, record.Error)
	assert.Equal(t, "Hi there", record.OutputText)
	assert.Equal(t, "short", record.ReasoningText)
	assert.Equal(t, 200, record.Metrics.StatusCode)
	assert.Equal(t, 12, record.Metrics.PromptTokens)
	assert.Equal(t, 3, record.Metrics.CompletionTokens)
	assert.Equal(t, 15, record.Metrics.TotalTokens)
	assert.Equal(t, 4, record.Metrics.CachedTokens)
	assert.Equal(t, 1, record.Metrics.ReasoningTokens)
	require.NotNil(t, record.Metrics.FinishReason)
	assert.Equal(t, "stop", *record.Metrics.FinishReason)
	assert.Nil(t, record.Metrics.FirstTokenMs)
	assert.Equal(t, "up-1", record.ResponseHeaders["x-request-id"])
	assert.Equal(t, "Bearer $OPENAI_API_KEY", record.RequestHeaders["Authorization"])
	assert.NotEmpty(t, record.ResponseJSON)
	assert.Equal(t, "gpt-4o-mini", record.ModelID)
	assert.False(t, record.Stream)

	assert.Equal(t, []State{StateBuilding, StateInFlight, StateCompleted}, rec.states)
	assert.Equal(t, []string{"Hi there"}, rec.done)
	assert.Empty(t, rec.errs)
}

func TestExecute_ResponsesNonStreaming(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantOutput string
		wantReason string
	}{
		{
			name:       "output_text field",
			body:       `{"status":"completed","output_text":"direct","usage":{"input_tokens":5,"output_tokens":2,"total_tokens":7}}`,
			wantOutput: "direct",
			wantReason: "completed",
		},
		{
			name: "output items",
			body: `{"status":"incomplete","output":[
				{"type":"reasoning","summary":[{"type":"summary_text","text":"thought"}]},
				{"type":"message","content":[{"type":"output_text","text":"a"},{"type":"refusal","refusal":"x"},{"type":"output_text","text":"b"}]}
			]}`,
			wantOutput: "ab",
			wantReason: "incomplete",
		},
		{
			name:       "string content and finish_reason",
			body:       `{"output":[{"content":"plain"}],"finish_reason":"length"}`,
			wantOutput: "plain",
			wantReason: "length",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]interface{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/responses", r.URL.Path)
				json.NewDecoder(r.Body).Decode(&gotBody)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			record, err := New().Execute(context.Background(), request(srv, compiler.ModeResponses, false), Hooks{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutput, record.OutputText)
			require.NotNil(t, record.Metrics.FinishReason)
			assert.Equal(t, tt.wantReason, *record.Metrics.FinishReason)
			assert.Equal(t, "Be terse.", gotBody["instructions"])
		})
	}
}

func TestExecute_MissingUsageDefaultsToZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"x"}}]}`)
	}))
	defer srv.Close()

	record, err := New().Execute(context.Background(), request(srv, compiler.ModeChat, false), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, Metrics{StatusCode: 200, LatencyMs: record.Metrics.LatencyMs}, record.Metrics)
}

func TestExecute_ChatStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`data: {bad json`,
			`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprint(w, l+"\n\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	m := metrics.NewMetrics()
	record, err := New(WithMetrics(m)).Execute(context.Background(), request(srv, compiler.ModeChat, true), rec.hooks())
	require.NoError(t, err)

	assert.Equal(t, "Hello", record.OutputText)
	assert.Equal(t, "hmm", record.ReasoningText)
	assert.Equal(t, []string{"Hel", "lo"}, rec.chunks)
	assert.Equal(t, []string{"hmm"}, rec.reasoning)
	assert.Equal(t, []string{"Hello"}, rec.done)
	assert.Len(t, rec.events, 6)
	assert.False(t, rec.events[3].HasParsed())
	assert.Equal(t, stream.TypeDone, rec.events[5].Type)

	assert.Nil(t, record.ResponseJSON)
	assert.Equal(t, 5, record.Metrics.TotalTokens)
	assert.Equal(t, 3, record.Metrics.PromptTokens)
	require.NotNil(t, record.Metrics.FirstTokenMs)
	assert.LessOrEqual(t, *record.Metrics.FirstTokenMs, record.Metrics.LatencyMs)
	require.NotNil(t, record.Metrics.FinishReason)
	assert.Equal(t, "stop", *record.Metrics.FinishReason)
	assert.True(t, record.Stream)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(record.CompiledRequest, &body))
	assert.Equal(t, map[string]interface{}{"include_usage": true}, body["stream_options"])

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("chat", "completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StreamEvents.WithLabelValues("output")))
}

func TestExecute_ResponsesStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: response.output_text.delta\n")
		fmt.Fprint(w, `data: {"type":"response.output_text.delta","delta":"Hi"}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, `data: {"type":"response.output_text.delta","delta":"!"}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":4,"output_tokens":2,"total_tokens":6}}}`)
	}))
	defer srv.Close()

	record, err := New().Execute(context.Background(), request(srv, compiler.ModeResponses, true), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", record.OutputText)
	assert.Equal(t, 6, record.Metrics.TotalTokens)
	assert.Equal(t, 4, record.Metrics.PromptTokens)
	require.NotNil(t, record.Metrics.FinishReason)
	assert.Equal(t, "completed", *record.Metrics.FinishReason)
}

func TestExecute_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	record, err := New().Execute(context.Background(), request(srv, compiler.ModeChat, true), rec.hooks())
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.BenchError{Type: errors.UpstreamError})

	require.NotNil(t, record.Error)
	assert.Equal(t, `HTTP 401: {"error":{"message":"bad key"}}`, *record.Error)
	assert.Equal(t, StateErrored, record.State)
	assert.Equal(t, 401, record.Metrics.StatusCode)
	assert.JSONEq(t, `{"error":"{\"error\":{\"message\":\"bad key\"}}"}`, string(record.ResponseJSON))
	assert.GreaterOrEqual(t, record.Metrics.LatencyMs, int64(0))
	assert.Len(t, rec.errs, 1)
	assert.Empty(t, rec.done)
	assert.Equal(t, StateErrored, rec.states[len(rec.states)-1])
}

func TestExecute_InvalidJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>gateway</html>")
	}))
	defer srv.Close()

	record, err := New().Execute(context.Background(), request(srv, compiler.ModeChat, false), Hooks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.BenchError{Type: errors.TransportError})
	assert.Equal(t, "<html>gateway</html>", record.ResponseText)
	assert.Nil(t, record.ResponseJSON)
}

func TestExecute_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := request(srv, compiler.ModeChat, false)
	srv.Close()

	rec := &recorder{}
	record, err := New().Execute(context.Background(), req, rec.hooks())
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.BenchError{Type: errors.TransportError})
	assert.Equal(t, StateErrored, record.State)
	assert.Zero(t, record.Metrics.StatusCode)
	require.NotNil(t, record.Error)
	assert.NotEqual(t, "Request aborted", *record.Error)
	assert.Len(t, rec.errs, 1)
}

func TestExecute_AbortMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	hooks := rec.hooks()
	hooks.OnChunk = func(c string) {
		rec.mu.Lock()
		rec.chunks = append(rec.chunks, c)
		rec.mu.Unlock()
		cancel()
	}

	record, err := New().Execute(ctx, request(srv, compiler.ModeChat, true), hooks)
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.BenchError{Type: errors.AbortedError})

	require.NotNil(t, record.Error)
	assert.Equal(t, "Request aborted", *record.Error)
	assert.Equal(t, StateAborted, record.State)
	assert.Equal(t, "partial", record.OutputText)
	assert.Equal(t, []string{"partial"}, rec.chunks)
	assert.Empty(t, rec.done)
	assert.Len(t, rec.errs, 1)
}

func TestExecute_AbortBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	record, err := New().Execute(ctx, request(srv, compiler.ModeChat, false), Hooks{})
	require.Error(t, err)
	require.NotNil(t, record.Error)
	assert.Equal(t, "Request aborted", *record.Error)
	assert.Equal(t, StateAborted, record.State)
}

func TestExecute_APIKeyWinsOverCustomAuthorization(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")]++
		mu.Unlock()
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	req := request(srv, compiler.ModeChat, false)
	req.Connection.Headers = map[string]string{"authorization": "Bearer custom"}

	exec := New()
	for i := 0; i < 20; i++ {
		_, err := exec.Execute(context.Background(), req, Hooks{})
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"Bearer sk-test-key-0123456789": 20}, seen)
}

func TestExecute_ThroughProxyUsesAPIKeyHeader(t *testing.T) {
	var target, apiKey, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target = r.URL.Query().Get("target")
		apiKey = r.Header.Get("X-API-Key")
		auth = r.Header.Get("Authorization")
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	req := request(srv, compiler.ModeChat, false)
	req.Connection.BaseURL = "https://api.openai.com"
	req.Connection.UseProxy = true
	req.Connection.ProxyURL = srv.URL + "/api/proxy"

	record, err := New().Execute(context.Background(), req, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", target)
	assert.Equal(t, "sk-test-key-0123456789", apiKey)
	assert.Empty(t, auth)
	assert.True(t, strings.HasPrefix(record.URL, srv.URL+"/api/proxy?target="))
}

func TestExecute_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	}))
	defer srv.Close()

	group := circuitbreaker.NewGroup(circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		TestMode:         true,
		IsFailure:        IsBreakerFailure,
	}, zaptest.NewLogger(t), nil)
	e := New(WithBreakers(group))

	for i := 0; i < 2; i++ {
		record, err := e.Execute(context.Background(), request(srv, compiler.ModeChat, false), Hooks{})
		require.Error(t, err)
		assert.Equal(t, "HTTP 502: upstream down", *record.Error)
	}

	b, err := group.Get(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	record, err := e.Execute(context.Background(), request(srv, compiler.ModeChat, false), Hooks{})
	require.Error(t, err)
	assert.Equal(t, "circuit breaker is open", *record.Error)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecute_FreshRecordPerRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	e := New()
	first, err := e.Execute(context.Background(), request(srv, compiler.ModeChat, true), Hooks{})
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), request(srv, compiler.ModeChat, true), Hooks{})
	require.NoError(t, err)

	assert.Equal(t, "x", second.OutputText)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.CompiledRequest, second.CompiledRequest)
}
