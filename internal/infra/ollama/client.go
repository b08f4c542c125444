// Package ollama talks to the local inference service used for memory
// enrichment. The service runs on the same host and is the least reliable
// dependency in the system: it restarts, runs out of VRAM, and hangs under
// load, so callers always go through the executor-style retry/fallback path.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Client is an HTTP client for the inference service.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client

	mu           sync.RWMutex
	totalLatency time.Duration
	successCount int
	failureCount int
	lastSuccess  time.Time
	lastFailure  time.Time
}

// Stats is a snapshot of the client's request history, exposed to the health
// monitor alongside the liveness probe.
type Stats struct {
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	ErrorRate    float64       `json:"error_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastSuccess  time.Time     `json:"last_success"`
	LastFailure  time.Time     `json:"last_failure"`
}

// New creates an inference client. Timeout bounds each generation call; the
// service can take tens of seconds on long prompts, so this is per-request
// rather than a transport-level idle timeout.
func New(endpoint, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		model:    model,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Ping checks that the service is up. Ollama answers GET / with a banner, so
// a short plain request is the cheapest liveness probe available.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("inference service unavailable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return fmt.Errorf("inference service unavailable: http %d", resp.StatusCode)
	}
	return nil
}

// Generate runs one completion against the configured model.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()

	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		c.recordFailure()
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		c.recordFailure()
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return "", fmt.Errorf("generate call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return "", fmt.Errorf("inference service unavailable: http %d: %s", resp.StatusCode, string(body))
	}

	var genResp struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &genResp); err != nil {
		c.recordFailure()
		return "", fmt.Errorf("parse response: %w", err)
	}
	if genResp.Error != "" {
		c.recordFailure()
		return "", fmt.Errorf("inference error: %s", genResp.Error)
	}

	c.recordSuccess(time.Since(start))
	return genResp.Response, nil
}

// Embed computes an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": text,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("embeddings call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, fmt.Errorf("inference service unavailable: http %d: %s", resp.StatusCode, string(body))
	}

	var embResp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &embResp); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("parse response: %w", err)
	}

	c.recordSuccess(0)
	return embResp.Embedding, nil
}

// GetStats returns a snapshot of request history.
func (c *Client) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		SuccessCount: c.successCount,
		FailureCount: c.failureCount,
		LastSuccess:  c.lastSuccess,
		LastFailure:  c.lastFailure,
	}
	if total := c.successCount + c.failureCount; total > 0 {
		s.ErrorRate = float64(c.failureCount) / float64(total)
	}
	if c.successCount > 0 {
		s.AvgLatency = c.totalLatency / time.Duration(c.successCount)
	}
	return s
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) recordSuccess(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.totalLatency += latency
	c.lastSuccess = time.Now()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastFailure = time.Now()
}
