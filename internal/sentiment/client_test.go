package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *countingMetrics) IncClassifierResult(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

func (m *countingMetrics) count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[result]
}

func classifierServer(t *testing.T, handler func(call int32, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		handler(n, w, r)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func TestClassifyReturnsLowerCasedLabel(t *testing.T) {
	server, calls := classifierServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		var body analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "feeling great today", body.Text)
		_, _ = w.Write([]byte(`{"label":" Joy ","score":0.91}`))
	})
	metrics := &countingMetrics{}
	c := New(server.URL+"/", WithMetrics(metrics), WithHTTPClient(server.Client()))

	assert.Equal(t, "joy", c.Classify(context.Background(), "feeling great today"))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, metrics.count(ResultOK))
}

func TestClassifyRetriesOnceOnServerError(t *testing.T) {
	server, calls := classifierServer(t, func(call int32, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"label":"sadness"}`))
	})
	c := New(server.URL)

	assert.Equal(t, "sadness", c.Classify(context.Background(), "rough week"))
	assert.EqualValues(t, 2, calls.Load())
}

func TestClassifyFallsBackToNeutral(t *testing.T) {
	cases := []struct {
		name      string
		handler   func(call int32, w http.ResponseWriter, r *http.Request)
		wantCalls int32
		result    string
	}{
		{
			name:      "server errors twice",
			handler:   func(_ int32, w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantCalls: 2,
			result:    ResultStatus,
		},
		{
			name:      "client error is not retried",
			handler:   func(_ int32, w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			wantCalls: 1,
			result:    ResultStatus,
		},
		{
			name:      "malformed payload",
			handler:   func(_ int32, w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`<html>`)) },
			wantCalls: 1,
			result:    ResultMalformed,
		},
		{
			name:      "empty label",
			handler:   func(_ int32, w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"label":""}`)) },
			wantCalls: 1,
			result:    ResultMalformed,
		},
		{
			name: "timeout is not retried",
			handler: func(_ int32, w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantCalls: 1,
			result:    ResultTimeout,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, calls := classifierServer(t, tc.handler)
			metrics := &countingMetrics{}
			c := New(server.URL, WithTimeout(50*time.Millisecond), WithMetrics(metrics))

			assert.Equal(t, NeutralLabel, c.Classify(context.Background(), "some text"))
			assert.Equal(t, tc.wantCalls, calls.Load())
			assert.Equal(t, 1, metrics.count(tc.result))
		})
	}
}

func TestClassifyUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	metrics := &countingMetrics{}
	c := New(url, WithMetrics(metrics))
	assert.Equal(t, NeutralLabel, c.Classify(context.Background(), "hello"))
	assert.Equal(t, 1, metrics.count(ResultUnavailable))
}

func TestClassifySkipsEmptyTextAndDisabledClient(t *testing.T) {
	server, calls := classifierServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"label":"joy"}`))
	})

	assert.Equal(t, NeutralLabel, New(server.URL).Classify(context.Background(), "   "))
	assert.Equal(t, NeutralLabel, New("").Classify(context.Background(), "hello"))
	assert.EqualValues(t, 0, calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server, calls := classifierServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	metrics := &countingMetrics{}
	c := New(server.URL, WithBreakerThreshold(2), WithMetrics(metrics))

	for i := 0; i < 4; i++ {
		assert.Equal(t, NeutralLabel, c.Classify(context.Background(), "text"))
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 2, metrics.count(ResultBreakerOpen))
}

func TestIsAcuteDistress(t *testing.T) {
	c := New("")
	assert.True(t, c.IsAcuteDistress("Suicidal"))
	assert.True(t, c.IsAcuteDistress("hopeless"))
	assert.False(t, c.IsAcuteDistress(NeutralLabel))

	custom := New("", WithDistressLabels([]string{"Despair"}))
	assert.True(t, custom.IsAcuteDistress("despair"))
	assert.False(t, custom.IsAcuteDistress("suicidal"))
}
