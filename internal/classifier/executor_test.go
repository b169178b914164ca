package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Resolve(t *testing.T) {
	registry := NewRegistry()
	registry.Register("classify_grievance", Func(func(context.Context, *domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"category":"water"}`), nil
	}))

	result, err := registry.Execute(context.Background(), &domain.Job{JobType: "classify_grievance"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"water"}`, string(result))

	_, err = registry.Resolve("unknown")
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	registry.SetFallback(Func(func(context.Context, *domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))
	_, err = registry.Resolve("unknown")
	assert.NoError(t, err)
}

func TestHTTPExecutor_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/classify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "job-1", r.Header.Get("Idempotency-Key"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req classifyRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "session-1", req.CorrelationKey)
		assert.JSONEq(t, `{"text":"no water"}`, string(req.Payload))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"category":"water","urgency":"high"}`))
	}))
	defer server.Close()

	exec, err := NewHTTPExecutor(HTTPOptions{BaseURL: server.URL + "/", APIKey: "secret"})
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), &domain.Job{
		JobID:          "job-1",
		JobType:        "classify_grievance",
		CorrelationKey: "session-1",
		Payload:        json.RawMessage(`{"text":"no water"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"water","urgency":"high"}`, string(result))
}

func TestHTTPExecutor_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
	}{
		{name: "bad request is permanent", status: http.StatusBadRequest, body: `{"error":"malformed"}`, wantPermanent: true},
		{name: "unprocessable is permanent", status: http.StatusUnprocessableEntity, body: `{}`, wantPermanent: true},
		{name: "throttled is transient", status: http.StatusTooManyRequests, body: `{}`, wantPermanent: false},
		{name: "server error is transient", status: http.StatusBadGateway, body: `{}`, wantPermanent: false},
		{name: "invalid JSON body is transient", status: http.StatusOK, body: `not json`, wantPermanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			exec, err := NewHTTPExecutor(HTTPOptions{BaseURL: server.URL})
			require.NoError(t, err)

			_, err = exec.Execute(context.Background(), &domain.Job{JobID: "job-1", Payload: json.RawMessage(`{}`)})
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, domain.IsPermanent(err))

			if tt.status != http.StatusOK {
				var httpErr *HTTPError
				require.True(t, errors.As(err, &httpErr))
				assert.Equal(t, tt.status, httpErr.StatusCode)
			}
		})
	}
}

func TestHTTPExecutor_PathPerJobType(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec, err := NewHTTPExecutor(HTTPOptions{
		BaseURL: server.URL,
		Paths:   map[string]string{"summarize": "/v1/summarize"},
	})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), &domain.Job{JobID: "j", JobType: "summarize", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "/v1/summarize", gotPath)
}

func TestHTTPExecutor_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPOptions{BaseURL: "  "})
	assert.Error(t, err)
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "http", raw: "http://classifier:9000", wantErr: false},
		{name: "https with path", raw: "https://ai.example.com/api", wantErr: false},
		{name: "empty", raw: "", wantErr: true},
		{name: "host and port without scheme", raw: "classifier:9000", wantErr: true},
		{name: "relative path", raw: "/v1/classify", wantErr: true},
		{name: "unsupported scheme", raw: "ftp://classifier", wantErr: true},
		{name: "missing host", raw: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaseURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHTTPExecutor_RejectsSchemelessBaseURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPOptions{BaseURL: "classifier:9000"})
	assert.Error(t, err)
}
