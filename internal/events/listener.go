// ABOUTME: Long-lived subscription to the daemon's server-sent event stream
// ABOUTME: Reconnects after a fixed delay until its context is cancelled

package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// EventsPath is the daemon's streaming endpoint.
	EventsPath = "/api/v1/events"

	DefaultReconnectDelay = 5 * time.Second
	maxRecordSize         = 1 << 20
)

// State of the listener's connection loop.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives each decoded message in arrival order.
type Handler func(ctx context.Context, msg Message)

// URLSource yields the daemon base URL for each connection attempt.
type URLSource func(ctx context.Context) (string, error)

// StaticURL always yields baseURL.
func StaticURL(baseURL string) URLSource {
	return func(context.Context) (string, error) { return baseURL, nil }
}

// Listener streams inbound events to a Handler.
type Listener struct {
	handler        Handler
	httpClient     *http.Client
	account        string
	reconnectDelay time.Duration
	logger         *slog.Logger

	state atomic.Int32
}

// Option configures a Listener.
type Option func(*Listener)

// WithAccount filters the stream to one account on multi-account daemons.
func WithAccount(account string) Option {
	return func(l *Listener) { l.account = account }
}

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.reconnectDelay = d
		}
	}
}

// WithHTTPClient replaces the default client. It must not set a Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(l *Listener) { l.httpClient = hc }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// NewListener creates a listener that delivers to handler.
func NewListener(handler Handler, opts ...Option) *Listener {
	l := &Listener{
		handler:        handler,
		httpClient:     &http.Client{},
		reconnectDelay: DefaultReconnectDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "events")
	l.state.Store(int32(StateDisconnected))
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	if State(l.state.Swap(int32(s))) != s {
		l.logger.Debug("listener state", "state", s)
	}
}

// Run connects and reconnects until ctx is cancelled. It returns nil on
// cancellation; no reconnect is attempted after that.
func (l *Listener) Run(ctx context.Context, source URLSource) error {
	defer l.setState(StateStopped)

	for {
		l.setState(StateConnecting)
		err := l.stream(ctx, source)
		if ctx.Err() != nil {
			return nil
		}

		l.setState(StateDisconnected)
		if err != nil {
			l.logger.Warn("event stream disconnected", "error", err, "retry_in", l.reconnectDelay)
		} else {
			l.logger.Info("event stream closed by daemon", "retry_in", l.reconnectDelay)
		}

		timer := time.NewTimer(l.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) stream(ctx context.Context, source URLSource) error {
	baseURL, err := source(ctx)
	if err != nil {
		return fmt.Errorf("resolving daemon: %w", err)
	}

	endpoint := strings.TrimSuffix(baseURL, "/") + EventsPath
	if l.account != "" {
		endpoint += "?" + url.Values{"account": {l.account}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	l.setState(StateStreaming)
	l.logger.Info("event stream connected", "url", endpoint)
	return l.readRecords(ctx, resp.Body)
}

// readRecords splits the body into blank-line terminated records and hands
// each decodable one to the handler. Undecodable records are dropped.
func (l *Listener) readRecords(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(dataLines) > 0 && (eventType == "" || eventType == "receive") {
				l.dispatch(ctx, strings.Join(dataLines, "\n"))
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}

func (l *Listener) dispatch(ctx context.Context, data string) {
	msg, err := decodeRecord([]byte(data))
	if err != nil {
		l.logger.Debug("dropping event record", "error", err)
		return
	}
	l.handler(ctx, msg)
}
