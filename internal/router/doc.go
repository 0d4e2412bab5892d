// Package router turns inbound transport messages into replies.
//
// For each message the Dispatcher drops self echoes, group traffic, and
// duplicate deliveries, applies the per-contact rate limit, then either runs
// a slash command, completes pairing for an unlinked contact, or hands the
// conversation to the contact's agent. A leading @mention picks a different
// agent for that one turn without changing the stored selection.
package router
