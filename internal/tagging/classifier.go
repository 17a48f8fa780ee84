package tagging

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

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrCircuitOpen      = errors.New("classifier circuit open")
	ErrClassifierFailed = errors.New("classifier request failed")
)

type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type Classifier interface {
	Classify(ctx context.Context, text string, maxTags int) ([]Label, error)
}

type classifyRequest struct {
	Text    string `json:"text"`
	MaxTags int    `json:"max_tags"`
}

type classifyResponse struct {
	Tags []Label `json:"tags"`
}

// HTTPClassifier calls the classification service. Server errors and
// transport failures are retried; repeated failures open the circuit so a
// dead service fails fast.
type HTTPClassifier struct {
	baseURL string
	retries int
	http    *http.Client
	breaker *circuitBreaker
}

func NewHTTPClassifier(baseURL string, timeout time.Duration, retries int) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPClassifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		retries: retries,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string, maxTags int) ([]Label, error) {
	if c.breaker.Open() {
		return nil, ErrCircuitOpen
	}
	body, err := json.Marshal(classifyRequest{Text: text, MaxTags: maxTags})
	if err != nil {
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	out, err := backoff.Retry(ctx, func() ([]Label, error) {
		return c.call(ctx, body)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.retries+1)),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClassifier) call(ctx context.Context, body []byte) ([]Label, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return nil, fmt.Errorf("%w: %w", ErrClassifierFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Fail()
		return nil, fmt.Errorf("%w: status %d", ErrClassifierFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrClassifierFailed, resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.Fail()
		return nil, backoff.Permanent(fmt.Errorf("%w: decode response: %w", ErrClassifierFailed, err))
	}
	c.breaker.Success()
	return out.Tags, nil
}

type circuitBreaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	threshold int
	reset     time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, reset: reset, now: time.Now}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if b.now().After(b.openUntil) {
		// half-open: let the next call test the service
		b.openUntil = time.Time{}
		b.failures = b.threshold - 1
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.reset)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
