// ABOUTME: JSON-RPC client for the messaging daemon's HTTP control endpoint
// ABOUTME: One POST per call with a fresh correlation id; sends are chunked in order

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-signal/internal/textutil"
)

const (
	protocolVersion = "2.0"

	// RPCPath is the daemon's request/response endpoint.
	RPCPath = "/api/v1/rpc"

	DefaultMaxMessageLength = 2000
	defaultTimeout          = 30 * time.Second
	chunkAttempts           = 2
	chunkRetryDelay         = 500 * time.Millisecond
)

// Error is a structured error returned by the daemon.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError wraps a failure to reach the daemon or read its reply.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "rpc transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Client calls the daemon. It is safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	account    string
	maxLength  int
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAccount sets the account parameter for multi-account daemons.
func WithAccount(account string) Option {
	return func(c *Client) { c.account = account }
}

// WithMaxMessageLength sets the chunk size used by SendMessage.
func WithMaxMessageLength(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxLength = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimSuffix(baseURL, "/") + RPCPath,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxLength:  DefaultMaxMessageLength,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rpc")
	return c
}

// Call invokes method with params and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(request{
		JSONRPC: protocolVersion,
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("reading response: %w", err)}
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &TransportError{Err: fmt.Errorf("daemon returned status %d", resp.StatusCode)}
		}
		return nil, &TransportError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("daemon returned status %d", resp.StatusCode)}
	}
	return rpcResp.Result, nil
}

// Version calls the daemon's trivial version method. It doubles as a health probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	result, err := c.Call(ctx, "version", nil)
	if err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(result, &v); err != nil {
		return "", fmt.Errorf("decoding version: %w", err)
	}
	return v.Version, nil
}

// SendMessage delivers text to recipient, split into chunks no longer than
// the configured maximum. Chunks go out one at a time in order; a chunk that
// fails on transport is retried once, and if it still fails the remaining
// chunks are not sent so the recipient never sees a reply with a hole in it.
func (c *Client) SendMessage(ctx context.Context, to Address, text string) error {
	if to.IsZero() {
		return fmt.Errorf("%w: empty recipient", ErrInvalidAddress)
	}

	chunks := textutil.Split(text, c.maxLength)
	for i, chunk := range chunks {
		if err := c.sendChunk(ctx, to, chunk); err != nil {
			c.logger.Error("failed to send message chunk",
				"recipient_kind", to.Kind,
				"chunk", i+1,
				"chunks", len(chunks),
				"error", err,
			)
			return fmt.Errorf("sending chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, to Address, chunk string) error {
	params := c.params()
	to.apply(params)
	params["message"] = chunk

	var err error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		_, err = c.Call(ctx, "send", params)
		var transportErr *TransportError
		if err == nil || !errors.As(err, &transportErr) || attempt == chunkAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(chunkRetryDelay):
		}
	}
	return err
}

// SendTyping starts or stops the typing indicator for recipient.
func (c *Client) SendTyping(ctx context.Context, to Address, stop bool) error {
	params := c.params()
	to.apply(params)
	params["stop"] = stop
	_, err := c.Call(ctx, "sendTyping", params)
	return err
}

// SendReadReceipt marks the message sent at targetTimestamp as read.
func (c *Client) SendReadReceipt(ctx context.Context, to Address, targetTimestamp int64) error {
	if to.Kind == KindGroup {
		return fmt.Errorf("%w: receipts need a direct recipient", ErrInvalidAddress)
	}
	params := c.params()
	params["recipient"] = to.Value
	params["targetTimestamp"] = targetTimestamp
	params["type"] = "read"
	_, err := c.Call(ctx, "sendReceipt", params)
	return err
}

func (c *Client) params() map[string]any {
	params := make(map[string]any)
	if c.account != "" {
		params["account"] = c.account
	}
	return params
}
