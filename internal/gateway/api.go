package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunAgentParams describes one agent turn to start on the gateway.
type RunAgentParams struct {
	SessionKey string
	Message    string
	// Model, when set, is patched onto the session before the run starts.
	Model          string
	Label          string
	TimeoutSeconds int
}

// RunAgentResult is the gateway's acceptance of a run.
type RunAgentResult struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	AcceptedAt int64  `json:"acceptedAt,omitempty"`
}

// SessionInfo is one row of the gateway's live session list.
type SessionInfo struct {
	Key            string `json:"key"`
	SessionID      string `json:"sessionId,omitempty"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`
	Model          string `json:"model,omitempty"`
	TotalTokens    int64  `json:"totalTokens,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`
}

// UpdatedTime returns UpdatedAt (epoch milliseconds) as a time.
func (s SessionInfo) UpdatedTime() time.Time {
	if s.UpdatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.UpdatedAt)
}

// SessionPatch holds mutable session settings.
type SessionPatch struct {
	Model string `json:"model,omitempty"`
	Label string `json:"label,omitempty"`
}

// RunAgent starts an agent turn. It returns once the gateway accepts the run;
// the agent keeps executing on the gateway side.
func (c *Client) RunAgent(ctx context.Context, p RunAgentParams) (*RunAgentResult, error) {
	if p.Model != "" {
		if err := c.PatchSession(ctx, p.SessionKey, SessionPatch{Model: p.Model}); err != nil {
			return nil, fmt.Errorf("set model %s: %w", p.Model, err)
		}
	}

	params := map[string]interface{}{
		"sessionKey":     p.SessionKey,
		"message":        p.Message,
		"idempotencyKey": uuid.New().String(),
		"deliver":        false,
	}
	if p.Label != "" {
		params["label"] = p.Label
	}
	if p.TimeoutSeconds > 0 {
		params["timeout"] = p.TimeoutSeconds
	}

	payload, err := c.Request(ctx, "agent", params, 0)
	if err != nil {
		return nil, err
	}

	var result RunAgentResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decode agent response: %w", err)
		}
	}
	return &result, nil
}

// ListSessions lists sessions active within the last activeMinutes. Zero
// lists everything the gateway knows about.
func (c *Client) ListSessions(ctx context.Context, activeMinutes int) ([]SessionInfo, error) {
	params := map[string]interface{}{}
	if activeMinutes > 0 {
		params["activeMinutes"] = activeMinutes
	}

	payload, err := c.Request(ctx, "sessions.list", params, 30*time.Second)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode sessions.list: %w", err)
	}
	return resp.Sessions, nil
}

// DeleteSession kills a session and its in-flight run.
func (c *Client) DeleteSession(ctx context.Context, key string) error {
	_, err := c.Request(ctx, "sessions.delete", map[string]interface{}{
		"key":              key,
		"deleteTranscript": false,
	}, 30*time.Second)
	return err
}

// SendToSession posts a message into an existing session without spawning.
func (c *Client) SendToSession(ctx context.Context, key, message string) error {
	_, err := c.Request(ctx, "sessions.send", map[string]interface{}{
		"key":            key,
		"message":        message,
		"idempotencyKey": uuid.New().String(),
	}, time.Minute)
	return err
}

// PatchSession updates session settings such as the model override.
func (c *Client) PatchSession(ctx context.Context, key string, patch SessionPatch) error {
	_, err := c.Request(ctx, "sessions.patch", struct {
		Key string `json:"key"`
		SessionPatch
	}{Key: key, SessionPatch: patch}, 30*time.Second)
	return err
}
