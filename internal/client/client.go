// Package client talks to a sminos gateway: it submits runs, follows
// their event streams and polls for the final result. It implements the
// client half of the run lifecycle used by srun and by the orchestrator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/sminos/internal/swarm"
)

// Options configures a Client.
type Options struct {
	// HTTPClient overrides the default transport. The default has no
	// global timeout so that long-lived stream connections stay open;
	// pass a context with a deadline to bound individual calls.
	HTTPClient *http.Client

	// Password enables Basic auth against a gateway with auth configured.
	Password string

	// PollInterval is the fixed wait between result poll attempts.
	PollInterval time.Duration

	// PollAttempts bounds the number of poll attempts before giving up.
	PollAttempts int
}

type Client struct {
	baseURL  string
	password string
	httpc    *http.Client

	pollInterval time.Duration
	pollAttempts int
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, optFns ...func(o *Options)) *Client {
	opts := Options{
		HTTPClient:   &http.Client{},
		PollInterval: time.Second,
		PollAttempts: 120,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		password:     opts.Password,
		httpc:        opts.HTTPClient,
		pollInterval: opts.PollInterval,
		pollAttempts: opts.PollAttempts,
	}
}

// StartRun submits a run request and returns its handle. An empty task is
// rejected locally before any network traffic. Submission is not retried;
// a failed attempt requires a fresh call.
func (c *Client) StartRun(ctx context.Context, req *swarm.RunRequest) (swarm.RunHandle, error) {
	if strings.TrimSpace(req.Task) == "" {
		return swarm.RunHandle{}, &ValidationError{Reason: "task must not be empty"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return swarm.RunHandle{}, fmt.Errorf("encode run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/run/start", bytes.NewReader(body))
	if err != nil {
		return swarm.RunHandle{}, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return swarm.RunHandle{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return swarm.RunHandle{}, &TransportError{StatusCode: resp.StatusCode, Reason: errorDetail(resp.Body)}
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return swarm.RunHandle{}, &TransportError{StatusCode: resp.StatusCode, Reason: "malformed response: " + err.Error()}
	}
	if out.RunID == "" {
		return swarm.RunHandle{}, &TransportError{StatusCode: resp.StatusCode, Reason: "malformed response: missing run_id"}
	}

	return swarm.RunHandle{RunID: out.RunID}, nil
}

// FetchResult polls the result endpoint for the run until it is ready.
// "Not ready" responses retry on a fixed interval up to the attempt
// budget; the first success returns immediately. Any other status is
// fatal. Exhausting the budget returns a TimeoutError with nothing left
// pending.
func (c *Client) FetchResult(ctx context.Context, h swarm.RunHandle) (*swarm.RunResult, error) {
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		res, ready, err := c.fetchResultOnce(ctx, h)
		if err != nil {
			return nil, err
		}
		if ready {
			return res, nil
		}
		if attempt == c.pollAttempts {
			break
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, &TimeoutError{Attempts: c.pollAttempts}
}

func (c *Client) fetchResultOnce(ctx context.Context, h swarm.RunHandle) (*swarm.RunResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/result/"+h.RunID, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build result request: %w", err)
	}
	c.setAuth(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, false, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Run still finishing.
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var res swarm.RunResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, false, &TransportError{StatusCode: resp.StatusCode, Reason: "malformed result body: " + err.Error()}
		}
		return &res, true, nil
	default:
		return nil, false, &TransportError{StatusCode: resp.StatusCode, Reason: errorDetail(resp.Body)}
	}
}

func (c *Client) setAuth(req *http.Request) {
	if c.password != "" {
		req.SetBasicAuth("sminos", c.password)
	}
}

// errorDetail extracts a human-readable message from an error response
// body, accepting both {"detail": ...} and {"error": ...} shapes.
func errorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
