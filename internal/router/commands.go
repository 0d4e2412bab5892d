// ABOUTME: Slash commands available over the transport
// ABOUTME: Commands never reach an agent and are safe to repeat

package router

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/coven-signal/internal/events"
	"github.com/2389/coven-signal/internal/mapping"
	"github.com/2389/coven-signal/internal/pairing"
)

func (d *Dispatcher) handleCommand(ctx context.Context, msg events.Message, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/start":
		d.cmdStart(ctx, msg, args)
	case "/disconnect":
		d.cmdDisconnect(ctx, msg)
	case "/agent":
		d.cmdAgent(ctx, msg, args)
	case "/help":
		d.reply(ctx, msg.Sender, replyHelp(d.deps.Agents.Names()))
	default:
		d.reply(ctx, msg.Sender, replyUnknownCommand(cmd))
	}
}

func (d *Dispatcher) cmdStart(ctx context.Context, msg events.Message, args []string) {
	if len(args) == 0 {
		d.reply(ctx, msg.Sender, replyStartUsage)
		return
	}

	req, err := d.deps.Pairing.Consume(args[0])
	switch {
	case errors.Is(err, pairing.ErrExpired):
		d.reply(ctx, msg.Sender, replyCodeExpired)
	case err != nil:
		d.reply(ctx, msg.Sender, replyCodeNotFound)
	default:
		d.completePairing(ctx, msg, req)
	}
}

func (d *Dispatcher) cmdDisconnect(ctx context.Context, msg events.Message) {
	contact := msg.Sender.String()
	removed, ok, err := d.deps.Mappings.RemoveByContact(ctx, contact)
	if err != nil {
		d.logger.Warn("disconnect not persisted", "contact", contact, "error", err)
	}
	if !ok {
		d.reply(ctx, msg.Sender, replyNotConnected)
		return
	}
	d.deps.Window.Clear(contact)
	d.logger.Info("contact disconnected", "contact", contact, "user_id", removed.UserID)
	d.reply(ctx, msg.Sender, replyDisconnected)
}

func (d *Dispatcher) cmdAgent(ctx context.Context, msg events.Message, args []string) {
	contact := msg.Sender.String()
	m, ok := d.deps.Mappings.Get(contact)
	if !ok {
		d.reply(ctx, msg.Sender, replyNotLinked)
		return
	}

	names := d.deps.Agents.Names()
	if len(args) == 0 {
		d.reply(ctx, msg.Sender, replyCurrentAgent(m.AgentID, names))
		return
	}

	id, err := d.deps.Agents.Resolve(strings.TrimPrefix(args[0], "@"))
	if err != nil {
		d.reply(ctx, msg.Sender, replyUnknownAgent(args[0], names))
		return
	}

	if _, _, err := d.deps.Mappings.Update(ctx, contact, func(u *mapping.Mapping) {
		u.AgentID = id
		u.LastActiveAt = d.now()
	}); err != nil {
		d.logger.Warn("agent switch not persisted", "contact", contact, "error", err)
	}
	d.logger.Info("agent switched", "contact", contact, "from", m.AgentID, "to", id)
	d.reply(ctx, msg.Sender, replyAgentSwitched(id))
}
