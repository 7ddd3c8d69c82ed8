package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrAppUnknown is the controller's deletion signal: a 404 on a callback
// means the app row is gone and the agent must tear the workload down.
var ErrAppUnknown = errors.New("app unknown to controller")

// Notifier reports agent-side state transitions back to the controller.
type Notifier interface {
	UpdateStatus(ctx context.Context, appID, status string, gpus []int) error
	Heartbeat(ctx context.Context, appID string) error
}

// StatusFetcher reads the controller's app table, used during recovery.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) ([]StatusEntry, error)
}

// StatusEntry is one row of the controller's /status response.
type StatusEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	GPUs         []int  `json:"gpus"`
	VRAMRequired int    `json:"vram_required"`
}

// ControllerClient is the HTTP callback client. Transient failures retry
// with exponential backoff; a 404 is permanent and surfaces as ErrAppUnknown.
type ControllerClient struct {
	baseURL string
	client  *http.Client
}

// NewControllerClient creates a callback client for the given base URL.
func NewControllerClient(baseURL string) *ControllerClient {
	return &ControllerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ControllerClient) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrAppUnknown)
		case resp.StatusCode >= 500:
			return fmt.Errorf("controller returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("controller rejected %s: %d", path, resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// UpdateStatus posts a status transition.
func (c *ControllerClient) UpdateStatus(ctx context.Context, appID, status string, gpus []int) error {
	return c.post(ctx, "/update_status", map[string]any{
		"app_id": appID,
		"status": status,
		"gpus":   gpus,
	})
}

// Heartbeat posts a liveness signal.
func (c *ControllerClient) Heartbeat(ctx context.Context, appID string) error {
	return c.post(ctx, "/heartbeat", map[string]any{"app_id": appID})
}

// FetchStatus reads the controller's app table.
func (c *ControllerClient) FetchStatus(ctx context.Context) ([]StatusEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status fetch returned %d", resp.StatusCode)
	}
	var entries []StatusEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
