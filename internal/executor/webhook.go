package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenIssuer persists a single-use suspension token for a webhook-wait
// node. Implemented by internal/orchestrator against
// internal/repository.SuspensionTokenRepository, keeping this package free
// of a direct repository/db dependency.
type TokenIssuer interface {
	IssueToken(ctx context.Context, runID, nodeID string, expiresAt time.Time) (token string, err error)
}

// WebhookExecutor implements the WEBHOOK_WAIT node kind.
type WebhookExecutor struct {
	issuer TokenIssuer
}

// NewWebhookExecutor creates a Webhook-wait node executor.
func NewWebhookExecutor(issuer TokenIssuer) *WebhookExecutor {
	return &WebhookExecutor{issuer: issuer}
}

type webhookConfig struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// Execute issues a suspension token valid for timeout_ms and suspends the
// node until the token is consumed via the resume endpoint or it expires.
func (e *WebhookExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg webhookConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid webhook_wait node config: %v", err), false)
	}
	if cfg.TimeoutMs <= 0 {
		return Failed(ErrorPermanent, "timeout_ms must be positive", false)
	}

	expiresAt := time.Now().Add(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	token, err := e.issuer.IssueToken(ctx, task.RunID, task.NodeID, expiresAt)
	if err != nil {
		return Failed(ErrorTransport, fmt.Sprintf("failed to issue suspension token: %v", err), true)
	}

	outcome := Suspended(ReasonWebhook)
	outcome.Token = token
	outcome.WakeAt = expiresAt
	return outcome
}

// NewSuspensionToken generates a random single-use token value.
func NewSuspensionToken() string {
	return uuid.NewString()
}
