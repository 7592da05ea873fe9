// Package pulse provides a Go client for the pulse telemetry gateway: a
// streaming observer that reconstructs run state from the event stream,
// plus control-plane helpers for starting and stopping runs.
package pulse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/redcell-io/pulse/internal/model"
)

// RetryPolicy controls stream reconnection with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the default reconnect policy:
// 5 attempts, 1s initial delay, 2x multiplier, 30s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt number
// (1-indexed). The delay is InitialDelay * Multiplier^(attempt-1), capped
// at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the pulse gateway
	// (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client for control-plane
	// requests. Streaming uses its own zero-timeout client.
	HTTPClient *http.Client

	// Timeout applies to individual control-plane requests. Defaults to
	// 30 seconds.
	Timeout time.Duration

	// StaleThreshold is how long heartbeats may go quiet before the
	// connection is reported stale. Defaults to DefaultStaleThreshold.
	StaleThreshold time.Duration

	// Retry governs stream reconnection. Zero value selects
	// DefaultRetryPolicy.
	Retry RetryPolicy
}

// Client observes a pulse gateway. All methods are safe for concurrent
// use; Watch is the single writer of projector state.
type Client struct {
	baseURL   string
	client    *http.Client
	streaming *http.Client
	retry     RetryPolicy

	projector *Projector
	liveness  *LivenessMonitor
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pulse: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	return &Client{
		baseURL:   baseURL,
		client:    httpClient,
		streaming: &http.Client{},
		retry:     retry,
		projector: NewProjector(),
		liveness:  NewLivenessMonitor(cfg.StaleThreshold),
	}, nil
}

// State returns the projector's current snapshot.
func (c *Client) State() State {
	return c.projector.State()
}

// Health returns the connection liveness assessment.
func (c *Client) Health() Health {
	return c.liveness.Health()
}

// Dropped returns the count of malformed frames discarded so far.
func (c *Client) Dropped() int64 {
	return c.projector.Dropped()
}

// Watch connects to the event stream and feeds the projector until ctx
// is canceled or the reconnect budget is exhausted. On transport loss it
// reconnects with exponential backoff. The budget applies per outage:
// a successful connection ends the previous outage and resets both the
// attempt counter and the backoff delay.
func (c *Client) Watch(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.stream(ctx)
		c.liveness.MarkDisconnected()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		attempt++
		if attempt > c.retry.MaxAttempts {
			return fmt.Errorf("pulse: stream lost after %d reconnect attempts: %w", c.retry.MaxAttempts, err)
		}
		c.liveness.MarkReconnectAttempt()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry.NextDelay(attempt)):
		}
	}
}

// stream holds one SSE connection open and applies every frame. Returns
// when the connection drops or ctx is canceled; connected reports whether
// the connection was established at all.
func (c *Client) stream(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("pulse: stream returned status %d", resp.StatusCode)
	}

	c.liveness.MarkConnected()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 {
				c.liveness.Observe()
				c.projector.ApplyRaw(data.Bytes())
				data.Reset()
			}
		case line[0] == ':':
			// Transport keepalive comment. Not proof of application
			// liveness, so it does not feed the monitor.
		case bytes.HasPrefix(line, []byte("data: ")):
			data.Write(line[len("data: "):])
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, io.ErrUnexpectedEOF
}

// Probe checks gateway health with a short timeout, independent of the
// stream connection.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pulse: health returned status %d", resp.StatusCode)
	}
	return nil
}

// StartRun asks the gateway to begin a new run.
func (c *Client) StartRun(ctx context.Context, name string, config map[string]any) (*Run, error) {
	var run Run
	body := map[string]any{"name": name}
	if config != nil {
		body["config"] = config
	}
	if err := c.post(ctx, "/v1/runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// StopRun asks the gateway to terminate a run.
func (c *Client) StopRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v1/runs/"+runID+"/stop", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs lists all runs known to the gateway, newest first.
func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/v1/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pulse: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pulse: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr model.APIError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			return &Error{
				StatusCode: resp.StatusCode,
				Code:       apiErr.Error.Code,
				Message:    apiErr.Error.Message,
			}
		}
		return &Error{StatusCode: resp.StatusCode, Code: "unknown", Message: string(raw)}
	}

	if out == nil {
		return nil
	}
	var envelope model.APIResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("pulse: decode response: %w", err)
	}
	data, err := json.Marshal(envelope.Data)
	if err != nil {
		return fmt.Errorf("pulse: decode response data: %w", err)
	}
	return json.Unmarshal(data, out)
}
