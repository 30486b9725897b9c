// HTTP node executor, grounded on
// cmd/workflow-runner/worker/http_worker.go's executeHTTPRequest, with
// the spec-mandated retry-with-backoff policy added on top.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lyzr/flowengine/internal/logger"
)

// HTTPExecutor issues a bounded-time HTTP request with retry on transport
// errors and 5xx.
type HTTPExecutor struct {
	client *http.Client
	policy RetryPolicy
	logger *logger.Logger
}

// NewHTTPExecutor creates an HTTP executor with the given client timeout
// and retry policy.
func NewHTTPExecutor(timeout time.Duration, policy RetryPolicy, log *logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: timeout},
		policy: policy,
		logger: log,
	}
}

type httpConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Payload any               `json:"payload"`
}

// Execute performs the HTTP request, retrying on network error or 5xx per
// h.policy, bounded by task.Deadline.
func (h *HTTPExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg httpConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid http node config: %v", err), false)
	}
	if cfg.URL == "" {
		return Failed(ErrorPermanent, "http node config missing url", false)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	ctx, cancel := context.WithDeadline(ctx, task.Deadline)
	defer cancel()

	policy := h.policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.Backoff(attempt - 1)):
			case <-ctx.Done():
				return Failed(ErrorTimeout, "deadline exceeded during retry backoff", false)
			}
		}

		outcome, retryable, err := h.attempt(ctx, cfg)
		if err == nil {
			return outcome
		}
		lastErr = err
		if !retryable {
			return outcome
		}
		h.logger.Warn("http node attempt failed, retrying", "run_id", task.RunID, "node_id", task.NodeID, "attempt", attempt, "error", err)
	}

	return Failed(ErrorTransport, fmt.Sprintf("exhausted %d attempts: %v", policy.MaxAttempts, lastErr), false)
}

func (h *HTTPExecutor) attempt(ctx context.Context, cfg httpConfig) (Outcome, bool, error) {
	var body io.Reader
	if cfg.Payload != nil {
		b, err := json.Marshal(cfg.Payload)
		if err != nil {
			return Failed(ErrorPermanent, fmt.Sprintf("failed to marshal payload: %v", err), false), false, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("failed to build request: %v", err), false), false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowengine-http-executor")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return Failed(ErrorTransport, err.Error(), true), true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	duration := time.Since(start)

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("server error: %d", resp.StatusCode)
		return Failed(ErrorTransport, string(respBody), true), true, err
	}
	if resp.StatusCode >= 400 {
		return Failed(ErrorPermanent, string(respBody), false), false, fmt.Errorf("client error: %d", resp.StatusCode)
	}

	var parsedBody any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if jsonErr := json.Unmarshal(respBody, &parsedBody); jsonErr != nil {
			parsedBody = string(respBody)
		}
	} else {
		parsedBody = string(respBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return Completed(map[string]any{
		"status":      "success",
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
		"duration_ms": duration.Milliseconds(),
		"url":         cfg.URL,
		"method":      cfg.Method,
	}), false, nil
}
