package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single call when no HTTP client is supplied
const DefaultTimeout = 30 * time.Second

// HTTPError is a non-2xx answer from the classification service
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("classification service returned %d: %s", e.StatusCode, e.Body)
}

// HTTPOptions configures HTTPExecutor
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	// Paths maps job type to request path; unmapped types post to DefaultPath
	Paths       map[string]string
	DefaultPath string
	// RequestsPerSecond limits outbound calls; zero disables limiting
	RequestsPerSecond float64
	Burst             int
	// Timeout bounds one call when HTTPClient is nil; zero means DefaultTimeout
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPExecutor posts the job payload to the remote classification service
// and returns the JSON response body as the job result.
type HTTPExecutor struct {
	baseURL     string
	apiKey      string
	paths       map[string]string
	defaultPath string
	limiter     *rate.Limiter
	httpClient  *http.Client
}

// ValidateBaseURL accepts only absolute http(s) URLs with a host
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("baseURL required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid baseURL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid baseURL %q: host is required", raw)
	}
	return nil
}

func NewHTTPExecutor(opts HTTPOptions) (*HTTPExecutor, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if err := ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}

	defaultPath := opts.DefaultPath
	if defaultPath == "" {
		defaultPath = "/v1/classify"
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &HTTPExecutor{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(opts.APIKey),
		paths:       opts.Paths,
		defaultPath: defaultPath,
		limiter:     limiter,
		httpClient:  hc,
	}, nil
}

type classifyRequest struct {
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	CorrelationKey string          `json:"correlation_key"`
	Payload        json.RawMessage `json:"payload"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(classifyRequest{
		JobID:          job.JobID,
		JobType:        job.JobType,
		CorrelationKey: job.CorrelationKey,
		Payload:        job.Payload,
	})
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to encode request: %w", err))
	}

	path, ok := e.paths[job.JobType]
	if !ok {
		path = e.defaultPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", job.JobID)
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewRetryableError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if isPermanentStatus(resp.StatusCode) {
			return nil, domain.NewPermanentError(httpErr)
		}
		return nil, domain.NewRetryableError(httpErr)
	}

	if !json.Valid(raw) {
		return nil, domain.NewRetryableError(errors.New("classification service returned invalid JSON"))
	}
	return json.RawMessage(raw), nil
}

// 4xx means the input itself is rejected, except throttling and timeouts
func isPermanentStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return false
	}
	return code >= 400 && code < 500
}
