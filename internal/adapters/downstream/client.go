// Package downstream adapts the inventory and payment HTTP services to the order saga's client interfaces.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"orderflow/internal/resilience"
)

const maxErrorBody = 4 << 10

// Option customises an HTTP adapter.
type Option func(*client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func newClient(baseURL string, opts ...Option) *client {
	c := &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Per-attempt deadlines come from the caller's context; this only bounds a stuck connection.
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorBody is the error payload returned by the downstream services.
type errorBody struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (b errorBody) message() string {
	if b.ErrorMessage != "" {
		return b.ErrorMessage
	}
	return b.Error
}

// statusError is a non-2xx response.
type statusError struct {
	Op      string
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

// post sends a JSON request and decodes a 2xx JSON response into out. Transport failures and 5xx, 408 and
// 429 responses come back as transient errors; any other non-2xx response is returned as *statusError for the
// caller to classify.
func (c *client) post(ctx context.Context, op, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.Transient(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("downstream response",
		zap.String("op", op),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resilience.Transient(op, errors.Wrap(err, "decode response"))
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	serr := &statusError{Op: op, Status: resp.StatusCode, Message: eb.message()}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return resilience.Transient(op, serr)
	default:
		return serr
	}
}

// reject classifies a non-transient response: statuses listed in sentinels become rejections wrapping the
// mapped sentinel, any other status a rejection wrapping the status error itself.
func reject(err error, sentinels map[int]error) error {
	var serr *statusError
	if !errors.As(err, &serr) {
		return err
	}
	if sentinel, ok := sentinels[serr.Status]; ok {
		return resilience.Reject(serr.Error(), sentinel)
	}
	return resilience.Reject(serr.Error(), serr)
}
