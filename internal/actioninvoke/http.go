package actioninvoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/conductor/internal/circuitbreaker"
)

// HTTPInvoker implements Invoker by posting to a sibling conductor/action
// HTTP endpoint. Each target action is wrapped with its own circuit
// breaker (from the same registry this codebase's invocation pipeline
// uses elsewhere), so a persistently failing downstream action degrades
// to fast local failure rather than hanging fork/async spawns.
type HTTPInvoker struct {
	client   *http.Client
	baseURL  string
	breakers *circuitbreaker.Registry
	cfg      circuitbreaker.Config
}

// HTTPInvokerConfig configures an HTTPInvoker.
type HTTPInvokerConfig struct {
	// BaseURL is the sibling platform endpoint; action invocations POST to
	// BaseURL + "/invoke/" + name.
	BaseURL string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// NewHTTPInvoker constructs an HTTPInvoker.
func NewHTTPInvoker(cfg HTTPInvokerConfig) *HTTPInvoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPInvoker{
		client:   &http.Client{Timeout: timeout},
		baseURL:  cfg.BaseURL,
		breakers: circuitbreaker.NewRegistry(),
		cfg:      cfg.Breaker,
	}
}

// invokeResponse is the wire response from POST /invoke/{name}.
type invokeResponse struct {
	ActivationID string `json:"activationId"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, name string, params any) (string, error) {
	breaker := h.breakers.Get(name, h.cfg)
	if breaker != nil && !breaker.Allow() {
		return "", fmt.Errorf("actioninvoke: circuit open for action %q", name)
	}

	activationID, err := h.doInvoke(ctx, name, params)

	if breaker != nil {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	return activationID, err
}

func (h *HTTPInvoker) doInvoke(ctx context.Context, name string, params any) (string, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return "", fmt.Errorf("actioninvoke: marshal params: %w", err)
	}

	url := h.baseURL + "/invoke/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("actioninvoke: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("actioninvoke: invoke %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("actioninvoke: invoke %q returned status %d", name, resp.StatusCode)
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("actioninvoke: decode response for %q: %w", name, err)
	}
	if out.ActivationID == "" {
		out.ActivationID = uuid.NewString()
	}
	return out.ActivationID, nil
}
