package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nodefluent/zamza/internal/model"
)

var ErrUnexpectedStatus = errors.New("unexpected webhook status")

type callContext struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type callBody struct {
	Message model.Message `json:"message"`
	Context *callContext  `json:"context"`
}

type retryData struct {
	HookID     string `json:"hookId"`
	RetryCount int    `json:"retryCount"`
	FromReplay bool   `json:"fromReplay,omitempty"`
}

// client posts messages to hook endpoints. Only a 200 counts as delivered.
type client struct {
	http    *http.Client
	timeout time.Duration
}

func newClient(timeout time.Duration) *client {
	return &client{http: &http.Client{}, timeout: timeout}
}

func (c *client) call(ctx context.Context, h model.HookView, body callBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.AuthorizationHeader != "" {
		req.Header.Set(h.AuthorizationHeader, h.AuthorizationValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call webhook %s: %w", h.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call webhook %s: %w %d", h.Name, ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}
