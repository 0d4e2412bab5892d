// ABOUTME: Routes inbound transport messages to commands, pairing, or agents
// ABOUTME: Serializes work per contact while different contacts run in parallel

package router

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-signal/internal/agent"
	"github.com/2389/coven-signal/internal/conversation"
	"github.com/2389/coven-signal/internal/credentials"
	"github.com/2389/coven-signal/internal/dedupe"
	"github.com/2389/coven-signal/internal/events"
	"github.com/2389/coven-signal/internal/mapping"
	"github.com/2389/coven-signal/internal/pairing"
	"github.com/2389/coven-signal/internal/rpc"
	"github.com/2389/coven-signal/internal/textutil"
)

// DefaultChannel tags the execution context handed to agents.
const DefaultChannel = "signal"

const previewRunes = 50

// pairPattern accepts "PAIR: CODE", "pair CODE", or a bare code.
var pairPattern = regexp.MustCompile(`(?i)^(?:pair\s*:?\s*)?([a-z0-9]{4,12})$`)

// Sender is the outbound half of the daemon client.
type Sender interface {
	SendMessage(ctx context.Context, to rpc.Address, text string) error
	SendTyping(ctx context.Context, to rpc.Address, stop bool) error
	SendReadReceipt(ctx context.Context, to rpc.Address, targetTimestamp int64) error
}

// Deps are the state owners the dispatcher reads and mutates.
type Deps struct {
	Sender   Sender
	Mappings *mapping.Store
	Pairing  *pairing.Registry
	Window   *conversation.Window
	Dedupe   *dedupe.Cache
	Agents   *agent.Registry
	Codec    *credentials.Codec
}

// Config tunes dispatcher behavior.
type Config struct {
	Channel string
	// PlainText flattens markdown in agent replies.
	PlainText bool
	// RatePerMinute limits inbound messages per contact; 0 disables.
	RatePerMinute int
	RateBurst     int
	// Receipts sends read receipts for accepted messages.
	Receipts bool
	// Typing shows a typing indicator while the agent works.
	Typing bool
}

type limiterEntry struct {
	limiter *rate.Limiter
	warned  bool
}

// Dispatcher handles inbound messages.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	limitMu  sync.Mutex
	limiters map[string]*limiterEntry

	queueMu sync.Mutex
	queues  map[string][]events.Message
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher over deps.
func New(deps Deps, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	d := &Dispatcher{
		deps:     deps,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
		queues:   make(map[string][]events.Message),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "router")
	return d
}

// Dispatch queues msg behind earlier messages from the same contact and
// returns immediately. Messages from different contacts run concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, msg events.Message) {
	key := msg.Sender.String()

	d.queueMu.Lock()
	if pending, busy := d.queues[key]; busy {
		d.queues[key] = append(pending, msg)
		d.queueMu.Unlock()
		return
	}
	d.queues[key] = nil
	d.wg.Add(1)
	d.queueMu.Unlock()

	go d.drain(ctx, key, msg)
}

func (d *Dispatcher) drain(ctx context.Context, key string, msg events.Message) {
	defer d.wg.Done()
	for {
		d.Handle(ctx, msg)

		d.queueMu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 {
			delete(d.queues, key)
			d.queueMu.Unlock()
			return
		}
		msg = pending[0]
		d.queues[key] = pending[1:]
		d.queueMu.Unlock()
	}
}

// Wait blocks until every dispatched message has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle processes one message synchronously. Callers must not run two
// Handle calls for the same contact at once; Dispatch guarantees that.
func (d *Dispatcher) Handle(ctx context.Context, msg events.Message) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case msg.FromSelf:
		return
	case msg.IsGroup():
		d.logger.Debug("ignoring group message", "group_id", msg.GroupID)
		return
	case msg.Sender.IsZero() || text == "":
		return
	}

	contact := msg.Sender.String()
	if d.deps.Dedupe.CheckAndMark(dedupe.Key(contact, msg.Timestamp)) {
		d.logger.Debug("dropping duplicate delivery", "contact", contact, "timestamp", msg.Timestamp)
		return
	}

	log := d.logger.With("contact", contact)
	log.Info("inbound message", "preview", preview(text))

	if !d.allow(ctx, msg.Sender) {
		log.Warn("rate limited")
		return
	}

	if strings.HasPrefix(text, "/") {
		d.handleCommand(ctx, msg, text)
		return
	}

	m, ok := d.deps.Mappings.Get(contact)
	if !ok {
		d.handleUnlinked(ctx, msg, text)
		return
	}
	d.converse(ctx, msg, m, text)
}

func (d *Dispatcher) handleUnlinked(ctx context.Context, msg events.Message, text string) {
	match := pairPattern.FindStringSubmatch(text)
	if match == nil {
		d.reply(ctx, msg.Sender, replyNotLinked)
		return
	}

	req, err := d.deps.Pairing.Consume(match[1])
	switch {
	case errors.Is(err, pairing.ErrExpired):
		d.reply(ctx, msg.Sender, replyCodeExpired)
	case err != nil:
		d.reply(ctx, msg.Sender, replyNotLinked)
	default:
		d.completePairing(ctx, msg, req)
	}
}

func (d *Dispatcher) completePairing(ctx context.Context, msg events.Message, req *pairing.Request) {
	contact := msg.Sender.String()
	agentID := req.AgentID
	if !d.deps.Agents.Has(agentID) {
		agentID = d.deps.Agents.Default()
	}
	if agentID == "" {
		d.logger.Error("no agents registered, cannot complete pairing")
		d.reply(ctx, msg.Sender, replyPairFailed)
		return
	}

	now := d.now()
	displaced, err := d.deps.Mappings.Upsert(ctx, mapping.Mapping{
		ContactID:      contact,
		ContactKind:    string(msg.Sender.Kind),
		UserID:         req.UserID,
		AgentID:        agentID,
		EncryptedToken: req.EncryptedToken,
		PairedAt:       now,
		LastActiveAt:   now,
	})
	if err != nil {
		var perr *mapping.PersistenceError
		if !errors.As(err, &perr) {
			d.logger.Error("pairing failed", "contact", contact, "error", err)
			d.reply(ctx, msg.Sender, replyPairFailed)
			return
		}
	}
	for _, old := range displaced {
		d.deps.Window.Clear(old.ContactID)
	}
	d.deps.Window.Clear(contact)

	d.logger.Info("contact paired", "contact", contact, "user_id", req.UserID, "agent_id", agentID)
	d.reply(ctx, msg.Sender, replyPaired(agentID))
}

func (d *Dispatcher) converse(ctx context.Context, msg events.Message, m mapping.Mapping, text string) {
	log := d.logger.With("contact", m.ContactID, "user_id", m.UserID)

	agentID := m.AgentID
	body := text
	if mention, ok := textutil.ParseMention(text); ok {
		id, err := d.deps.Agents.Resolve(mention.Name)
		if err != nil {
			d.reply(ctx, msg.Sender, replyUnknownAgent(mention.Name, d.deps.Agents.Names()))
			return
		}
		if mention.Text == "" {
			d.reply(ctx, msg.Sender, replyEmptyMention(id))
			return
		}
		agentID, body = id, mention.Text
	}

	a, err := d.deps.Agents.Get(agentID)
	if err != nil {
		d.reply(ctx, msg.Sender, replyUnknownAgent(agentID, d.deps.Agents.Names()))
		return
	}

	if _, _, err := d.deps.Mappings.Update(ctx, m.ContactID, func(u *mapping.Mapping) {
		u.LastActiveAt = d.now()
	}); err != nil {
		log.Warn("could not record activity", "error", err)
	}

	token, ok := d.deps.Codec.Decrypt(m.EncryptedToken)
	if !ok {
		log.Warn("stored credential failed to decrypt")
		d.reply(ctx, msg.Sender, replyReauth)
		return
	}

	if d.cfg.Receipts {
		if err := d.deps.Sender.SendReadReceipt(ctx, msg.Sender, msg.Timestamp); err != nil {
			log.Debug("read receipt failed", "error", err)
		}
	}

	d.deps.Window.Append(m.ContactID, conversation.Entry{
		Role:      conversation.RoleUser,
		Content:   body,
		Timestamp: d.now(),
	})
	history := d.deps.Window.Recent(m.ContactID)

	d.typing(ctx, msg.Sender, false)
	start := d.now()
	reply, err := a.Generate(ctx, history, agent.ExecContext{
		UserID:  m.UserID,
		Token:   token,
		Channel: d.cfg.Channel,
	})
	d.typing(ctx, msg.Sender, true)
	if err != nil {
		log.Error("agent failed", "agent_id", agentID, "error", err)
		d.reply(ctx, msg.Sender, replyApology)
		return
	}

	d.deps.Window.Append(m.ContactID, conversation.Entry{
		Role:      conversation.RoleAssistant,
		Content:   reply,
		Timestamp: d.now(),
	})
	log.Info("agent replied", "agent_id", agentID, "duration", d.now().Sub(start), "preview", preview(reply))

	if d.cfg.PlainText {
		reply = textutil.PlainText(reply)
	}
	d.reply(ctx, msg.Sender, reply)
}

// allow applies the per-contact rate limit. The first rejected message in a
// burst gets a slow-down reply; later ones are dropped quietly.
func (d *Dispatcher) allow(ctx context.Context, to rpc.Address) bool {
	if d.cfg.RatePerMinute <= 0 {
		return true
	}
	key := to.String()

	d.limitMu.Lock()
	entry, ok := d.limiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(d.cfg.RatePerMinute)/60), d.cfg.RateBurst),
		}
		d.limiters[key] = entry
	}
	allowed := entry.limiter.AllowN(d.now(), 1)
	warn := false
	if allowed {
		entry.warned = false
	} else if !entry.warned {
		entry.warned = true
		warn = true
	}
	d.limitMu.Unlock()

	if warn {
		d.reply(ctx, to, replySlowDown)
	}
	return allowed
}

func (d *Dispatcher) typing(ctx context.Context, to rpc.Address, stop bool) {
	if !d.cfg.Typing {
		return
	}
	if err := d.deps.Sender.SendTyping(ctx, to, stop); err != nil {
		d.logger.Debug("typing indicator failed", "error", err)
	}
}

func (d *Dispatcher) reply(ctx context.Context, to rpc.Address, text string) {
	if err := d.deps.Sender.SendMessage(ctx, to, text); err != nil {
		d.logger.Error("reply failed", "contact", to.String(), "error", err)
	}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "…"
}
