package opentext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedResponse struct {
	status  int
	isError bool
}

// stubRecorder captures RecordResponse calls for assertions.
type stubRecorder struct {
	mu        sync.Mutex
	responses []recordedResponse
}

func (r *stubRecorder) RecordResponse(statusCode int, responseTime time.Duration, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, recordedResponse{status: statusCode, isError: isError})
}

func (r *stubRecorder) recorded() []recordedResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedResponse(nil), r.responses...)
}

func newTestClient(t *testing.T, baseURL string, recorder Recorder) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, recorder, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(ClientConfig{APIKey: "k"}, nil, zerolog.Nop())
	assert.Error(t, err, "missing base URL")

	_, err = NewClient(ClientConfig{BaseURL: "http://api"}, nil, zerolog.Nop())
	assert.Error(t, err, "missing API key")

	_, err = NewClient(ClientConfig{BaseURL: "http://api", APIKey: "k", MaxRetries: -1}, nil, zerolog.Nop())
	assert.Error(t, err, "negative max retries")
}

func TestClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "CenterFuze-OpenText-Service/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "/accounts/acc-1", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("detail"))
		fmt.Fprint(w, `{"account_id":"acc-1","name":"Test"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var out struct {
		AccountID string `json:"account_id"`
		Name      string `json:"name"`
	}
	query := url.Values{"detail": []string{"full"}}
	require.NoError(t, c.GetJSON(context.Background(), "/accounts/acc-1", query, &out))
	assert.Equal(t, "acc-1", out.AccountID)
	assert.Equal(t, "Test", out.Name)
}

func TestClient_PutJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, readJSON(r, &body))
		assert.Equal(t, "suspended", body["status"])
		fmt.Fprint(w, `{"updated":true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var out struct {
		Updated bool `json:"updated"`
	}
	err := c.PutJSON(context.Background(), "/accounts/acc-1", map[string]string{"status": "suspended"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Updated)
}

func TestClient_StatusErrorNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"account not found"}`)
	}))
	defer srv.Close()

	recorder := &stubRecorder{}
	c := newTestClient(t, srv.URL, recorder)

	err := c.GetJSON(context.Background(), "/accounts/missing", nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "account not found", apiErr.Message)

	// Statused failures surface immediately; only transport errors retry.
	assert.Equal(t, 1, calls)
	require.Len(t, recorder.recorded(), 1)
	assert.True(t, recorder.recorded()[0].isError)
	assert.Equal(t, http.StatusNotFound, recorder.recorded()[0].status)
}

// flakyTransport fails the first n round trips at the transport level,
// then delegates to the real transport.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	next     http.RoundTripper
}

func (tr *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tr.mu.Lock()
	fail := tr.failures > 0
	if fail {
		tr.failures--
	}
	tr.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return tr.next.RoundTrip(req)
}

func TestClient_TransportErrorRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	recorder := &stubRecorder{}
	c, err := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		HTTPClient: &http.Client{Transport: &flakyTransport{failures: 2, next: http.DefaultTransport}},
	}, recorder, zerolog.Nop())
	require.NoError(t, err)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/ping", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, 1, calls)

	// Two transport failures recorded with status 0, then one success.
	recorded := recorder.recorded()
	require.Len(t, recorded, 3)
	assert.Equal(t, recordedResponse{status: 0, isError: true}, recorded[0])
	assert.Equal(t, recordedResponse{status: 0, isError: true}, recorded[1])
	assert.Equal(t, recordedResponse{status: http.StatusOK, isError: false}, recorded[2])
}

func TestClient_TransportErrorExhaustsRetries(t *testing.T) {
	c, err := NewClient(ClientConfig{
		BaseURL:    "http://example.invalid",
		APIKey:     "test-key",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		HTTPClient: &http.Client{Transport: &flakyTransport{failures: 10, next: http.DefaultTransport}},
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), "/ping", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http client error")
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error field", `{"error":"bad request"}`, "bad request"},
		{"message field", `{"message":"try later"}`, "try later"},
		{"error preferred over message", `{"error":"a","message":"b"}`, "a"},
		{"plain text body", "upstream exploded", "upstream exploded"},
		{"empty body", "", "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorMessage([]byte(tt.body)))
		})
	}
}

func readJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
