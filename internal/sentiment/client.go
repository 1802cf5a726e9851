// Package sentiment calls the remote emotion classifier. Classification is
// best-effort: every failure mode yields NeutralLabel.
package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	NeutralLabel   = "neutral"
	DefaultTimeout = 5 * time.Second
)

// DefaultDistressLabels are the labels that trigger a crisis signal.
var DefaultDistressLabels = []string{"suicidal", "self-harm", "hopeless", "distress"}

// Result values reported to Metrics.
const (
	ResultOK          = "ok"
	ResultEmpty       = "empty_text"
	ResultDisabled    = "disabled"
	ResultTimeout     = "timeout"
	ResultStatus      = "bad_status"
	ResultMalformed   = "malformed"
	ResultUnavailable = "unavailable"
	ResultBreakerOpen = "breaker_open"
)

type Metrics interface {
	IncClassifierResult(result string)
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDistressLabels replaces the crisis label set. Matching is case-insensitive.
func WithDistressLabels(labels []string) Option {
	return func(c *Client) {
		if len(labels) == 0 {
			return
		}
		c.distress = make(map[string]bool, len(labels))
		for _, label := range labels {
			if label = normalizeLabel(label); label != "" {
				c.distress[label] = true
			}
		}
	}
}

// WithBreakerThreshold opens the breaker after n consecutive failed calls.
func WithBreakerThreshold(n uint32) Option {
	return func(c *Client) {
		if n > 0 {
			c.breakerThreshold = n
		}
	}
}

type Client struct {
	endpoint         string
	http             *http.Client
	timeout          time.Duration
	distress         map[string]bool
	breakerThreshold uint32
	breaker          *gobreaker.CircuitBreaker
	logger           *zap.Logger
	metrics          Metrics
}

// New builds a client for the classifier at baseURL. An empty baseURL
// disables classification.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:             &http.Client{},
		timeout:          DefaultTimeout,
		breakerThreshold: 5,
		logger:           zap.NewNop(),
	}
	WithDistressLabels(DefaultDistressLabels)(c)
	for _, opt := range opts {
		opt(c)
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		c.endpoint = base + "/analyze"
	}

	threshold := c.breakerThreshold
	logger := c.logger
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("classifier breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("classifier returned status %d", e.code)
}

var errMalformed = errors.New("malformed classifier response")

// Classify returns the lower-cased emotion label for text, or NeutralLabel
// when the classifier cannot answer in time.
func (c *Client) Classify(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		c.record(ResultEmpty)
		return NeutralLabel
	}
	if c.endpoint == "" {
		c.record(ResultDisabled)
		return NeutralLabel
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.classifyWithRetry(ctx, text)
	})
	if err != nil {
		result := resultFor(err)
		c.record(result)
		c.logger.Warn("classification fell back to neutral", zap.String("result", result), zap.Error(err))
		return NeutralLabel
	}
	c.record(ResultOK)
	return out.(string)
}

// IsAcuteDistress reports whether label should surface crisis resources.
func (c *Client) IsAcuteDistress(label string) bool {
	return c.distress[normalizeLabel(label)]
}

func (c *Client) classifyWithRetry(ctx context.Context, text string) (string, error) {
	label, err := c.classifyOnce(ctx, text)
	if err == nil || !retryable(ctx, err) {
		return label, err
	}
	c.logger.Debug("retrying classifier", zap.Error(err))
	return c.classifyOnce(ctx, text)
}

func (c *Client) classifyOnce(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(analyzeRequest{Text: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError{code: resp.StatusCode}
	}
	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	label := normalizeLabel(decoded.Label)
	if label == "" {
		return "", fmt.Errorf("%w: empty label", errMalformed)
	}
	return label, nil
}

// retryable allows a second attempt for refused connections and 5xx
// responses. Timeouts are never retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || isTimeout(err) {
		return false
	}
	var se statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return !errors.Is(err, errMalformed)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func resultFor(err error) string {
	var se statusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ResultBreakerOpen
	case isTimeout(err):
		return ResultTimeout
	case errors.As(err, &se):
		return ResultStatus
	case errors.Is(err, errMalformed):
		return ResultMalformed
	default:
		return ResultUnavailable
	}
}

func (c *Client) record(result string) {
	if c.metrics != nil {
		c.metrics.IncClassifierResult(result)
	}
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
