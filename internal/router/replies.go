// ABOUTME: Chat replies the dispatcher sends back over the transport
// ABOUTME: Every expected failure has its own actionable message

package router

import (
	"fmt"
	"strings"
)

const (
	replyNotLinked = "This number isn't linked to a Coven account yet. " +
		"Open the app, choose \"Connect Signal\", and send the pairing code you get here."
	replyStartUsage   = "To link this number, request a pairing code in the app and send it here as /start CODE."
	replyCodeNotFound = "That pairing code wasn't recognized. Request a new one in the app and try again."
	replyCodeExpired  = "That pairing code has expired. Request a new one in the app and try again."
	replyDisconnected = "Disconnected. This number is no longer linked to your account."
	replyNotConnected = "This number isn't linked to any account, so there is nothing to disconnect."
	replyReauth       = "Your saved credential can't be used anymore. Please re-pair from the app."
	replyApology      = "Sorry, something went wrong while answering. Please try again in a moment."
	replySlowDown     = "You're sending messages faster than I can keep up. Please wait a moment."
	replyPairFailed   = "Sorry, pairing failed on our side. Please request a new code and try again."
)

func replyHelp(agents []string) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/start CODE - link this number using a pairing code\n")
	b.WriteString("/agent NAME - switch agents (")
	b.WriteString(strings.Join(agents, ", "))
	b.WriteString(")\n")
	b.WriteString("/disconnect - unlink this number\n")
	b.WriteString("/help - show this list\n")
	b.WriteString("\nStart a message with @name to ask another agent just once.")
	return b.String()
}

func replyPaired(agentID string) string {
	return fmt.Sprintf("Paired! You're talking to %s. Send /help to see what you can do.", agentID)
}

func replyUnknownAgent(name string, agents []string) string {
	return fmt.Sprintf("I don't know an agent called %q. Available agents: %s.", name, strings.Join(agents, ", "))
}

func replyAgentSwitched(agentID string) string {
	return fmt.Sprintf("Switched to %s.", agentID)
}

func replyCurrentAgent(agentID string, agents []string) string {
	return fmt.Sprintf("You're talking to %s. Available agents: %s. Send /agent NAME to switch.",
		agentID, strings.Join(agents, ", "))
}

func replyEmptyMention(agentID string) string {
	return fmt.Sprintf("What would you like to ask %s?", agentID)
}

func replyUnknownCommand(cmd string) string {
	return fmt.Sprintf("Unknown command %s. Send /help for the list.", cmd)
}
