// ABOUTME: Tests for the event stream listener against an httptest SSE server
// ABOUTME: Covers framing, dropped records, reconnects, and cancellation

package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Text
	}
	return out
}

func record(text string, ts int64) string {
	return fmt.Sprintf("event: receive\ndata: {\"envelope\":{\"sourceNumber\":\"+15551234567\",\"timestamp\":%d,\"dataMessage\":{\"message\":%q}}}\n\n", ts, text)
}

// sseServer writes body on every connection and then holds it open until
// the client goes away.
func sseServer(t *testing.T, body string, connections *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EventsPath {
			http.NotFound(w, r)
			return
		}
		if connections != nil {
			connections.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, body)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runListener(t *testing.T, l *Listener, source URLSource) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, source) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("listener did not stop")
			return nil
		}
	}
}

func TestListener_DeliversRecordsInOrder(t *testing.T) {
	body := ": keepalive\n\n" +
		record("first", 1) +
		"event: receive\ndata: {broken\n\n" +
		"data: {\"envelope\":{\"sourceNumber\":\"+15551234567\",\"timestamp\":2,\n" +
		"data: \"dataMessage\":{\"message\":\"second\"}}}\n\n" +
		"event: other\ndata: {\"envelope\":{\"timestamp\":3}}\n\n" +
		record("third", 4)
	srv := sseServer(t, body, nil)

	c := &collector{}
	l := NewListener(c.handle, WithReconnectDelay(time.Hour))
	stop := runListener(t, l, StaticURL(srv.URL))

	require.Eventually(t, func() bool { return len(c.texts()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, c.texts())
	assert.Equal(t, StateStreaming, l.State())

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_ReconnectsAfterFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, record("after reconnect", 9))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := &collector{}
	l := NewListener(c.handle, WithReconnectDelay(20*time.Millisecond))
	stop := runListener(t, l, StaticURL(srv.URL))

	require.Eventually(t, func() bool { return len(c.texts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	require.NoError(t, stop())
}

func TestListener_ReconnectsWhenStreamEnds(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, record(fmt.Sprintf("conn %d", n), int64(n)))
	}))
	t.Cleanup(srv.Close)

	c := &collector{}
	l := NewListener(c.handle, WithReconnectDelay(10*time.Millisecond))
	stop := runListener(t, l, StaticURL(srv.URL))

	require.Eventually(t, func() bool { return len(c.texts()) >= 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, []string{"conn 1", "conn 2", "conn 3"}, c.texts()[:3])
}

func TestListener_SourceErrorRetries(t *testing.T) {
	srv := sseServer(t, record("ok", 1), nil)

	var calls atomic.Int32
	source := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", fmt.Errorf("daemon starting")
		}
		return srv.URL, nil
	}

	c := &collector{}
	l := NewListener(c.handle, WithReconnectDelay(10*time.Millisecond))
	stop := runListener(t, l, source)

	require.Eventually(t, func() bool { return len(c.texts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
}

func TestListener_AccountQuery(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r.URL.Query().Get("account"):
		default:
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	l := NewListener(func(context.Context, Message) {}, WithAccount("+15550000000"))
	stop := runListener(t, l, StaticURL(srv.URL))

	select {
	case account := <-got:
		assert.Equal(t, "+15550000000", account)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	require.NoError(t, stop())
}

func TestListener_CancelDuringBackoffStopsPromptly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	l := NewListener(func(context.Context, Message) {}, WithReconnectDelay(time.Hour))
	stop := runListener(t, l, StaticURL(srv.URL))

	require.Eventually(t, func() bool { return l.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	start := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, l.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
