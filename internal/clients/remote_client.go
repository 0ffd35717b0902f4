// internal/clients/remote_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultRemoteTimeout   = 10 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// RemoteClient posts card transitions to the remote authority. Each Send is a
// single attempt; retries are the sync queue's job.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

type RemoteConfig struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Logger          *slog.Logger
}

func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &RemoteClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-authority",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Send POSTs payload to baseURL+endpoint. Only a 2xx response counts as
// delivered. While the breaker is open Send fails without a network call.
func (c *RemoteClient) Send(ctx context.Context, endpoint string, payload json.RawMessage) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, endpoint, payload)
	})
	return err
}

func (c *RemoteClient) post(ctx context.Context, endpoint string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (c *RemoteClient) State() string {
	return c.breaker.State().String()
}
