// ABOUTME: Scenario tests for the dispatcher with real state owners and fake I/O
// ABOUTME: Covers pairing, commands, mentions, dedupe, rate limits, and failures

package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-signal/internal/agent"
	"github.com/2389/coven-signal/internal/conversation"
	"github.com/2389/coven-signal/internal/credentials"
	"github.com/2389/coven-signal/internal/dedupe"
	"github.com/2389/coven-signal/internal/events"
	"github.com/2389/coven-signal/internal/mapping"
	"github.com/2389/coven-signal/internal/pairing"
	"github.com/2389/coven-signal/internal/rpc"
)

const (
	testSecret = "dispatcher-test-secret"
	aliceNum   = "+15551230001"
	aliceNew   = "+15551230002"
	bobNum     = "+15551230003"
)

type sent struct {
	To   rpc.Address
	Text string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sent
	typing   []bool
	receipts []int64
}

func (f *fakeSender) SendMessage(_ context.Context, to rpc.Address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{To: to, Text: text})
	return nil
}

func (f *fakeSender) SendTyping(_ context.Context, _ rpc.Address, stop bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, stop)
	return nil
}

func (f *fakeSender) SendReadReceipt(_ context.Context, _ rpc.Address, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, ts)
	return nil
}

func (f *fakeSender) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Text
	}
	return out
}

func (f *fakeSender) Last() string {
	texts := f.Texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type call struct {
	History []conversation.Entry
	Exec    agent.ExecContext
}

type recordingAgent struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []call
}

func (a *recordingAgent) Generate(_ context.Context, history []conversation.Entry, exec agent.ExecContext) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call{History: history, Exec: exec})
	return a.reply, a.err
}

func (a *recordingAgent) Calls() []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]call(nil), a.calls...)
}

type harness struct {
	d        *Dispatcher
	sender   *fakeSender
	store    *mapping.Store
	pairing  *pairing.Registry
	window   *conversation.Window
	codec    *credentials.Codec
	paddy    *recordingAgent
	nova     *recordingAgent
	snapshot string
	now      *time.Time
	nextCode string
	ts       int64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := &harness{
		sender:   &fakeSender{},
		codec:    credentials.NewCodec(testSecret),
		paddy:    &recordingAgent{reply: "Two invoices are due today."},
		nova:     &recordingAgent{reply: "**Hello** from nova"},
		snapshot: filepath.Join(t.TempDir(), "mappings.json"),
		now:      &now,
		ts:       1700000000000,
	}
	clock := func() time.Time { return *h.now }

	h.store = mapping.NewStore(mapping.NewFileSnapshot(h.snapshot), nil)
	require.NoError(t, h.store.Load(context.Background()))

	h.pairing = pairing.NewRegistry(
		pairing.WithClock(clock),
		pairing.WithGenerator(func(int) (string, error) { return h.nextCode, nil }),
	)
	h.window = conversation.NewWindow(30*time.Minute, 20, conversation.WithClock(clock))

	agents := agent.NewRegistry(nil)
	require.NoError(t, agents.Register(agent.Paddy, h.paddy))
	require.NoError(t, agents.Register(agent.Nova, h.nova))

	h.d = New(Deps{
		Sender:   h.sender,
		Mappings: h.store,
		Pairing:  h.pairing,
		Window:   h.window,
		Dedupe:   dedupe.New(5*time.Minute, 1000),
		Agents:   agents,
		Codec:    h.codec,
	}, cfg, WithClock(clock))
	return h
}

func (h *harness) issue(t *testing.T, code, userID, agentID, token string) {
	t.Helper()
	enc, err := h.codec.Encrypt(token)
	require.NoError(t, err)
	h.nextCode = code
	got, err := h.pairing.Issue(userID, agentID, enc)
	require.NoError(t, err)
	require.Equal(t, code, got)
}

func (h *harness) pair(t *testing.T, contact, userID, agentID string) {
	t.Helper()
	enc, err := h.codec.Encrypt("token-for-" + userID)
	require.NoError(t, err)
	_, err = h.store.Upsert(context.Background(), mapping.Mapping{
		ContactID:      contact,
		UserID:         userID,
		AgentID:        agentID,
		EncryptedToken: enc,
		PairedAt:       *h.now,
		LastActiveAt:   *h.now,
	})
	require.NoError(t, err)
}

func (h *harness) send(from, text string) {
	h.ts++
	h.d.Handle(context.Background(), h.message(from, text, h.ts))
}

func (h *harness) message(from, text string, ts int64) events.Message {
	return events.Message{
		Sender:    rpc.Address{Kind: rpc.KindPhone, Value: from},
		Timestamp: ts,
		Text:      text,
	}
}

func TestPairingByFreeTextThenHelp(t *testing.T) {
	h := newHarness(t, Config{})
	h.issue(t, "AB12CD", "user-1", agent.Nova, "bearer-1")

	h.send(aliceNum, "pair: ab12cd")

	m, ok := h.store.Get(aliceNum)
	require.True(t, ok)
	assert.Equal(t, "user-1", m.UserID)
	assert.Equal(t, agent.Nova, m.AgentID)
	assert.Equal(t, string(rpc.KindPhone), m.ContactKind)
	assert.False(t, h.pairing.Has("AB12CD"))
	assert.Contains(t, h.sender.Last(), "Paired!")

	h.send(aliceNum, "/help")
	assert.Contains(t, h.sender.Last(), "/start CODE")
	assert.Contains(t, h.sender.Last(), "/agent NAME")
	assert.Contains(t, h.sender.Last(), "paddy, nova")

	token, ok := h.codec.Decrypt(m.EncryptedToken)
	require.True(t, ok)
	assert.Equal(t, "bearer-1", token)
}

func TestFreeTextPairingForms(t *testing.T) {
	for _, text := range []string{"PAIR: AB12CD", "pair AB12CD", "ab12cd", "  Pair:AB12CD  "} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.issue(t, "AB12CD", "user-1", agent.Paddy, "tok")

			h.send(aliceNum, text)

			_, ok := h.store.Get(aliceNum)
			assert.True(t, ok)
		})
	}
}

func TestMentionOverrideIsNotPersisted(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Nova)

	h.send(aliceNum, "@paddy what's due today?")

	require.Len(t, h.paddy.Calls(), 1)
	assert.Empty(t, h.nova.Calls())
	c := h.paddy.Calls()[0]
	require.NotEmpty(t, c.History)
	assert.Equal(t, "what's due today?", c.History[len(c.History)-1].Content)
	assert.Equal(t, agent.ExecContext{UserID: "user-1", Token: "token-for-user-1", Channel: DefaultChannel}, c.Exec)
	assert.Equal(t, "Two invoices are due today.", h.sender.Last())

	m, ok := h.store.Get(aliceNum)
	require.True(t, ok)
	assert.Equal(t, agent.Nova, m.AgentID)
}

func TestDuplicateDeliveryInvokesAgentOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	msg := h.message(aliceNum, "hello", 1700000000123)
	h.d.Handle(context.Background(), msg)
	h.d.Handle(context.Background(), msg)

	assert.Len(t, h.paddy.Calls(), 1)
	assert.Len(t, h.sender.Texts(), 1)
}

func TestAgentCommand(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "/agent unknownbot")
	assert.Contains(t, h.sender.Last(), `"unknownbot"`)
	assert.Contains(t, h.sender.Last(), "paddy, nova")
	m, _ := h.store.Get(aliceNum)
	assert.Equal(t, agent.Paddy, m.AgentID)

	h.send(aliceNum, "/agent")
	assert.Contains(t, h.sender.Last(), "You're talking to paddy")

	h.send(aliceNum, "/agent Nova")
	assert.Equal(t, "Switched to nova.", h.sender.Last())

	reloaded := mapping.NewStore(mapping.NewFileSnapshot(h.snapshot), nil)
	require.NoError(t, reloaded.Load(context.Background()))
	m, ok := reloaded.Get(aliceNum)
	require.True(t, ok)
	assert.Equal(t, agent.Nova, m.AgentID)
}

func TestRepairingMovesUserToNewContact(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)
	h.send(aliceNum, "hello")
	require.NotEmpty(t, h.window.Recent(aliceNum))

	h.issue(t, "QRST23", "user-1", agent.Paddy, "tok-2")
	h.send(aliceNew, "/start qrst23")

	_, oldExists := h.store.Get(aliceNum)
	assert.False(t, oldExists)
	m, ok := h.store.GetByUser("user-1")
	require.True(t, ok)
	assert.Equal(t, aliceNew, m.ContactID)
	assert.Equal(t, 1, h.store.Len())
	assert.Empty(t, h.window.Recent(aliceNum))
}

func TestStartCommandFailures(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(aliceNum, "/start")
	assert.Contains(t, h.sender.Last(), "/start CODE")

	h.send(aliceNum, "/start ZZZZZZ")
	assert.Equal(t, replyCodeNotFound, h.sender.Last())

	h.issue(t, "EXPD23", "user-1", agent.Paddy, "tok")
	*h.now = h.now.Add(h.pairing.TTL() + time.Second)
	h.send(aliceNum, "/start EXPD23")
	assert.Equal(t, replyCodeExpired, h.sender.Last())
	assert.False(t, h.pairing.Has("EXPD23"))

	h.send(aliceNum, "/start EXPD23")
	assert.Equal(t, replyCodeNotFound, h.sender.Last())
	assert.Equal(t, 0, h.store.Len())
}

func TestExpiredCodeByFreeText(t *testing.T) {
	h := newHarness(t, Config{})
	h.issue(t, "EXPD23", "user-1", agent.Paddy, "tok")
	*h.now = h.now.Add(h.pairing.TTL() + time.Minute)

	h.send(aliceNum, "PAIR: EXPD23")
	assert.Equal(t, replyCodeExpired, h.sender.Last())
}

func TestUnlinkedContactGetsNotice(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(bobNum, "what's the weather like?")
	h.send(bobNum, "@paddy hi")

	assert.Equal(t, []string{replyNotLinked, replyNotLinked}, h.sender.Texts())
	assert.Empty(t, h.paddy.Calls())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "/disconnect")
	assert.Equal(t, replyDisconnected, h.sender.Last())
	assert.Equal(t, 0, h.store.Len())

	h.send(aliceNum, "/DISCONNECT")
	assert.Equal(t, replyNotConnected, h.sender.Last())
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "/dance now")
	assert.Contains(t, h.sender.Last(), "/dance")
	assert.Empty(t, h.paddy.Calls())
}

func TestUnknownMentionFailsClosed(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "@bob can you help?")
	h.send(aliceNum, "@sage how am I doing?")

	assert.Empty(t, h.paddy.Calls())
	texts := h.sender.Texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], `"bob"`)
	assert.Contains(t, texts[1], `"sage"`, "known id without a registered agent is still unavailable")
}

func TestEmptyMention(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "@nova")
	assert.Equal(t, "What would you like to ask nova?", h.sender.Last())
	assert.Empty(t, h.nova.Calls())
}

func TestAgentFailureSendsApology(t *testing.T) {
	h := newHarness(t, Config{})
	h.paddy.err = errors.New("upstream 503: secret internal detail")
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "hello")

	assert.Equal(t, replyApology, h.sender.Last())
	assert.NotContains(t, h.sender.Last(), "secret internal detail")
	history := h.window.Recent(aliceNum)
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
}

func TestUnusableCredentialAsksToRepair(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.store.Upsert(context.Background(), mapping.Mapping{
		ContactID: aliceNum, UserID: "user-1", AgentID: agent.Paddy, EncryptedToken: "00:11:22:33",
	})
	require.NoError(t, err)

	h.send(aliceNum, "hello")

	assert.Equal(t, replyReauth, h.sender.Last())
	assert.Empty(t, h.paddy.Calls())
	_, ok := h.store.Get(aliceNum)
	assert.True(t, ok)
}

func TestDroppedMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)
	ctx := context.Background()

	group := h.message(aliceNum, "hi group", 1)
	group.GroupID = "Z3JvdXA="
	self := h.message(aliceNum, "echo", 2)
	self.FromSelf = true
	blank := h.message(aliceNum, "   ", 3)
	noSender := events.Message{Timestamp: 4, Text: "hi"}

	for _, m := range []events.Message{group, self, blank, noSender} {
		h.d.Handle(ctx, m)
	}

	assert.Empty(t, h.sender.Texts())
	assert.Empty(t, h.paddy.Calls())
}

func TestConversationHistoryAndExpiry(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "first")
	h.send(aliceNum, "second")
	calls := h.paddy.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].History, 3, "user, assistant, user")

	*h.now = h.now.Add(31 * time.Minute)
	h.send(aliceNum, "much later")
	calls = h.paddy.Calls()
	require.Len(t, calls, 3)
	require.Len(t, calls[2].History, 1)
	assert.Equal(t, "much later", calls[2].History[0].Content)

	m, _ := h.store.Get(aliceNum)
	assert.Equal(t, *h.now, m.LastActiveAt)
}

func TestPlainTextReplies(t *testing.T) {
	h := newHarness(t, Config{PlainText: true})
	h.pair(t, aliceNum, "user-1", agent.Nova)

	h.send(aliceNum, "hi")
	assert.Equal(t, "Hello from nova", strings.TrimSpace(h.sender.Last()))
}

func TestTypingAndReceipts(t *testing.T) {
	h := newHarness(t, Config{Typing: true, Receipts: true})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	h.send(aliceNum, "hi")

	assert.Equal(t, []bool{false, true}, h.sender.typing)
	assert.Equal(t, []int64{h.ts}, h.sender.receipts)
}

func TestRateLimitWarnsOnce(t *testing.T) {
	h := newHarness(t, Config{RatePerMinute: 1, RateBurst: 2})
	h.pair(t, aliceNum, "user-1", agent.Paddy)

	for i := 0; i < 5; i++ {
		h.send(aliceNum, "spam")
	}
	assert.Len(t, h.paddy.Calls(), 2)
	slowDowns := 0
	for _, text := range h.sender.Texts() {
		if text == replySlowDown {
			slowDowns++
		}
	}
	assert.Equal(t, 1, slowDowns)

	*h.now = h.now.Add(time.Minute)
	h.send(aliceNum, "later")
	assert.Len(t, h.paddy.Calls(), 3)

	h.send(bobNum, "unrelated contact")
	assert.Equal(t, replyNotLinked, h.sender.Last())
}

func TestDispatchPreservesPerContactOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.pair(t, aliceNum, "user-1", agent.Paddy)
	h.pair(t, bobNum, "user-2", agent.Paddy)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		h.d.Dispatch(ctx, h.message(aliceNum, "alice "+string(rune('0'+i)), i))
		h.d.Dispatch(ctx, h.message(bobNum, "bob "+string(rune('0'+i)), i))
	}
	h.d.Wait()

	var alice []string
	for _, c := range h.paddy.Calls() {
		if c.Exec.UserID == "user-1" {
			alice = append(alice, c.History[len(c.History)-1].Content)
		}
	}
	assert.Equal(t, []string{"alice 1", "alice 2", "alice 3", "alice 4", "alice 5"}, alice)
	assert.Len(t, h.paddy.Calls(), 10)
}
