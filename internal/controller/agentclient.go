package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/hangar/internal/agent"
	hangarerrors "github.com/wudi/hangar/internal/errors"
)

// AgentClient dispatches workload operations to the host agent.
type AgentClient interface {
	Run(ctx context.Context, req agent.RunRequest) error
	Restart(ctx context.Context, req agent.RunRequest) error
	Stop(ctx context.Context, appID string) error
	RemoveRoute(ctx context.Context, appID string) error
}

// HTTPAgentClient talks to the agent over HTTP. A circuit breaker fails
// deploys fast while the agent is down; the watchdog converges state in
// the meantime.
type HTTPAgentClient struct {
	baseURL    string
	client     *http.Client
	stopClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
}

// NewAgentClient creates the production agent client. timeout bounds
// deploy dispatches; stopTimeout bounds stops, which wait out container
// shutdown.
func NewAgentClient(baseURL string, timeout, stopTimeout time.Duration) *HTTPAgentClient {
	return &HTTPAgentClient{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		stopClient: &http.Client{Timeout: stopTimeout},
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name: "agent",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 15 * time.Second,
		}),
	}
}

func (c *HTTPAgentClient) post(ctx context.Context, client *http.Client, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = c.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, classifyTransportError(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return struct{}{}, hangarerrors.ErrNotFound
		case resp.StatusCode >= 400:
			return struct{}{}, hangarerrors.ErrInternalServer.WithCause(
				fmt.Errorf("agent %s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data)))
		}
		return struct{}{}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return hangarerrors.ErrAgentUnreachable.WithCause(err)
	}
	return err
}

// classifyTransportError maps connection failures to 502 and timeouts to 504.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return hangarerrors.ErrAgentTimeout.WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return hangarerrors.ErrAgentTimeout.WithCause(err)
	}
	return hangarerrors.ErrAgentUnreachable.WithCause(err)
}

// Run dispatches a deploy.
func (c *HTTPAgentClient) Run(ctx context.Context, req agent.RunRequest) error {
	return c.post(ctx, c.client, "/run", req)
}

// Restart dispatches a redeploy that reuses the built image.
func (c *HTTPAgentClient) Restart(ctx context.Context, req agent.RunRequest) error {
	req.ReuseImage = true
	return c.post(ctx, c.client, "/restart", req)
}

// Stop asks the agent to tear a workload down.
func (c *HTTPAgentClient) Stop(ctx context.Context, appID string) error {
	return c.post(ctx, c.stopClient, "/stop", map[string]string{"app_id": appID})
}

// RemoveRoute unpublishes an app without touching its process.
func (c *HTTPAgentClient) RemoveRoute(ctx context.Context, appID string) error {
	return c.post(ctx, c.client, "/remove_route", map[string]string{"app_id": appID})
}
