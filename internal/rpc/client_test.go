// ABOUTME: Tests for the daemon JSON-RPC client against an httptest fake daemon
// ABOUTME: Covers envelopes, error mapping, chunked sends, and recipient params

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string
	Params map[string]any
	ID     string
}

type fakeDaemon struct {
	mu    sync.Mutex
	calls []recordedCall
	reply func(call recordedCall) (any, *Error)
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != RPCPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		JSONRPC string         `json:"jsonrpc"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
		ID      string         `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JSONRPC != "2.0" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	call := recordedCall{Method: req.Method, Params: req.Params, ID: req.ID}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	reply := f.reply
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	result, rpcErr := any(map[string]any{}), (*Error)(nil)
	if reply != nil {
		result, rpcErr = reply(call)
	}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeDaemon) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func newTestClient(t *testing.T, daemon *fakeDaemon, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, opts...)
}

func TestCall_SendsEnvelopeWithUniqueIDs(t *testing.T) {
	daemon := &fakeDaemon{}
	client := newTestClient(t, daemon)

	_, err := client.Call(context.Background(), "listContacts", nil)
	require.NoError(t, err)
	_, err = client.Call(context.Background(), "listContacts", nil)
	require.NoError(t, err)

	calls := daemon.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "listContacts", calls[0].Method)
	assert.NotEmpty(t, calls[0].ID)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestCall_StructuredError(t *testing.T) {
	daemon := &fakeDaemon{reply: func(recordedCall) (any, *Error) {
		return nil, &Error{Code: -32601, Message: "Method not implemented"}
	}}
	client := newTestClient(t, daemon)

	_, err := client.Call(context.Background(), "bogus", nil)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, "Method not implemented", rpcErr.Message)
}

func TestCall_TransportErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewClient(url).Call(context.Background(), "version", nil)
		var transportErr *TransportError
		assert.ErrorAs(t, err, &transportErr)
	})

	t.Run("non json body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Call(context.Background(), "version", nil)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestVersion(t *testing.T) {
	daemon := &fakeDaemon{reply: func(recordedCall) (any, *Error) {
		return map[string]string{"version": "0.13.4"}, nil
	}}
	client := newTestClient(t, daemon)

	v, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.13.4", v)
}

func TestSendMessage_ChunksInOrder(t *testing.T) {
	daemon := &fakeDaemon{}
	client := newTestClient(t, daemon, WithMaxMessageLength(10), WithAccount("+15550001111"))

	to, err := ParseAddress("+15551234567")
	require.NoError(t, err)

	text := "first line\nsecond line\nthird"
	require.NoError(t, client.SendMessage(context.Background(), to, text))

	calls := daemon.Calls()
	require.NotEmpty(t, calls)
	var rebuilt []string
	for _, c := range calls {
		assert.Equal(t, "send", c.Method)
		assert.Equal(t, "+15550001111", c.Params["account"])
		assert.Equal(t, []any{"+15551234567"}, c.Params["recipient"])
		msg := c.Params["message"].(string)
		assert.LessOrEqual(t, len([]rune(msg)), 10)
		rebuilt = append(rebuilt, msg)
	}
	assert.Equal(t, strings.ReplaceAll(text, "\n", ""), strings.ReplaceAll(strings.Join(rebuilt, ""), "\n", ""))
}

func TestSendMessage_Group(t *testing.T) {
	daemon := &fakeDaemon{}
	client := newTestClient(t, daemon)

	to, err := ParseAddress("group.abc123==")
	require.NoError(t, err)
	require.NoError(t, client.SendMessage(context.Background(), to, "hello"))

	calls := daemon.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "abc123==", calls[0].Params["groupId"])
	assert.NotContains(t, calls[0].Params, "recipient")
}

func TestSendMessage_StopsAfterFailedChunk(t *testing.T) {
	var n int
	daemon := &fakeDaemon{}
	daemon.reply = func(recordedCall) (any, *Error) {
		n++
		if n == 2 {
			return nil, &Error{Code: -1, Message: "rate limited"}
		}
		return map[string]any{}, nil
	}
	client := newTestClient(t, daemon, WithMaxMessageLength(5))

	to, err := ParseAddress("+15551234567")
	require.NoError(t, err)
	err = client.SendMessage(context.Background(), to, "aaaaa\nbbbbb\nccccc")

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Len(t, daemon.Calls(), 2, "structured errors are not retried and later chunks are skipped")
}

func TestSendMessage_EmptyTextSendsNothing(t *testing.T) {
	daemon := &fakeDaemon{}
	client := newTestClient(t, daemon)

	to, err := ParseAddress("+15551234567")
	require.NoError(t, err)
	require.NoError(t, client.SendMessage(context.Background(), to, "   "))
	assert.Empty(t, daemon.Calls())
}

func TestSendMessage_ZeroAddress(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")
	err := client.SendMessage(context.Background(), Address{}, "hi")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestSendTypingAndReceipt(t *testing.T) {
	daemon := &fakeDaemon{}
	client := newTestClient(t, daemon)
	to := Address{Kind: KindUUID, Value: "0b6bb2f2-6a8d-4c43-9a0e-3a3c1f2b9f10"}

	require.NoError(t, client.SendTyping(context.Background(), to, false))
	require.NoError(t, client.SendReadReceipt(context.Background(), to, 1700000000000))

	calls := daemon.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendTyping", calls[0].Method)
	assert.Equal(t, false, calls[0].Params["stop"])
	assert.Equal(t, "sendReceipt", calls[1].Method)
	assert.Equal(t, to.Value, calls[1].Params["recipient"])
	assert.Equal(t, float64(1700000000000), calls[1].Params["targetTimestamp"])
	assert.Equal(t, "read", calls[1].Params["type"])

	err := client.SendReadReceipt(context.Background(), Address{Kind: KindGroup, Value: "g"}, 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
