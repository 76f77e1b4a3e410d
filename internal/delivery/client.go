package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stellarlinkco/taskrelay/internal/config"
	"github.com/stellarlinkco/taskrelay/internal/textutil"
	"github.com/tidwall/gjson"
)

// ErrDeliveryFailed means every attempt failed. The ledger service may or may
// not have applied the event.
var ErrDeliveryFailed = errors.New("ledger delivery failed")

const maxResponseBytes = 1 << 20

// Policy bounds the retries of one Send.
type Policy struct {
	MaxAttempts uint
	Delay       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: config.DefaultMaxAttempts, Delay: 5 * time.Second}
}

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver func(attempt uint, err error, delay time.Duration)

type Client struct {
	url        string
	httpClient *http.Client
	policy     Policy
	observer   RetryObserver
}

func NewClient(cfg config.LedgerConfig) *Client {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = config.DefaultMaxAttempts
	}
	return NewClientWithPolicy(cfg.URL, &http.Client{Timeout: cfg.RequestTimeoutDuration()}, Policy{
		MaxAttempts: uint(attempts),
		Delay:       cfg.RetryDelayDuration(),
	})
}

// NewClientWithPolicy creates a Client with an explicit HTTP client and retry policy.
func NewClientWithPolicy(url string, httpClient *http.Client, policy Policy) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &Client{url: url, httpClient: httpClient, policy: policy}
}

// SetRetryObserver installs fn (for testing and metrics).
func (c *Client) SetRetryObserver(fn RetryObserver) {
	c.observer = fn
}

func (c *Client) Policy() Policy {
	return c.policy
}

// Send posts ev to the ledger service, retrying transport errors, non-2xx
// statuses and undecodable bodies with a fixed delay. A decoded non-OK status
// is returned as a Result, not retried.
func (c *Client) Send(ctx context.Context, ev Event) (*Result, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: ledger url not configured", ErrDeliveryFailed)
	}

	body, err := json.Marshal(withType(ev))
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.EventType(), err)
	}
	requestID := uuid.NewString()

	var attempt uint
	operation := func() (*Result, error) {
		attempt++
		log.Printf("[delivery] %s attempt %d/%d (request %s): %s", ev.EventType(), attempt, c.policy.MaxAttempts, requestID, textutil.Truncate(string(body), 200))
		res, err := c.post(ctx, body, requestID)
		if err != nil {
			log.Printf("[delivery] %s attempt %d failed: %v", ev.EventType(), attempt, err)
			return nil, err
		}
		log.Printf("[delivery] %s attempt %d ok: status=%q", ev.EventType(), attempt, res.Status)
		return res, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.policy.Delay)),
		backoff.WithMaxTries(c.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[delivery] waiting %v before retry", next)
			if c.observer != nil {
				c.observer(attempt, err, next)
			}
		}),
	)
	if err != nil {
		log.Printf("[delivery] %s gave up after %d attempts", ev.EventType(), attempt)
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, attempt, err)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, body []byte, requestID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post ledger event: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read ledger response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ledger responded %d: %s", resp.StatusCode, textutil.Truncate(string(data), 200))
	}
	return decodeResult(data)
}

// decodeResult reads the response leniently: the ledger service may encode
// dates and times as numbers or omit taskDetails entirely.
func decodeResult(data []byte) (*Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode ledger response: invalid JSON: %s", textutil.Truncate(string(data), 200))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("decode ledger response: not an object")
	}

	res := &Result{
		Status:  root.Get("status").String(),
		Message: root.Get("message").String(),
	}
	if details := root.Get("taskDetails"); details.IsObject() {
		res.Task = &TaskDetails{
			Content: details.Get("content").String(),
			Date:    details.Get("date").String(),
			Time:    details.Get("time").String(),
		}
	}
	return res, nil
}

// withType fills the type discriminator so callers can leave it empty.
func withType(ev Event) Event {
	switch e := ev.(type) {
	case TaskEvent:
		e.Type = EventTypeTask
		return e
	case CompleteEvent:
		e.Type = EventTypeComplete
		return e
	}
	return ev
}

