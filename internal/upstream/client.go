package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/timing"
)

const (
	DefaultHost = "https://racemap.com"
	PingsPath   = "/services/trackping/api/v1/timing_input/pings"
)

var (
	ErrMissingHost = errors.New("upstream: missing api host")
	ErrRejected    = errors.New("upstream: reads rejected")
)

// StatusError reports a non-200 response from the ingest API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

type Config struct {
	Host    string
	Token   string
	Timeout time.Duration
}

// Submitter posts a batch of reads and reports whether it was accepted.
type Submitter interface {
	SendTimingReads(ctx context.Context, reads []timing.Read) error
}

type Client struct {
	mu      sync.RWMutex
	host    string
	token   string
	http    *http.Client
	pingURL string
}

func NewClient(cfg Config) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, ErrMissingHost
	}
	return &Client{
		host:    host,
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: cfg.Timeout},
		pingURL: host + PingsPath,
	}, nil
}

func (c *Client) Host() string {
	return c.host
}

// SetToken swaps the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SendTimingReads posts reads as a JSON array. Only HTTP 200 counts as accepted.
func (c *Client) SendTimingReads(ctx context.Context, reads []timing.Read) error {
	if reads == nil {
		reads = []timing.Read{}
	}
	body, err := json.Marshal(reads)
	if err != nil {
		return fmt.Errorf("upstream: encode reads: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pingURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordUpstream(0, time.Since(start))
		return fmt.Errorf("upstream: post pings: %w", err)
	}
	defer resp.Body.Close()
	observability.RecordUpstream(resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// CheckAvailability posts an empty batch to verify host and token.
func (c *Client) CheckAvailability(ctx context.Context) error {
	return c.SendTimingReads(ctx, []timing.Read{})
}
