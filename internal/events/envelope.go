// ABOUTME: Wire types for inbound daemon events and their normalized form
// ABOUTME: Senders are tagged by the envelope field they arrived in

package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-signal/internal/rpc"
)

// Envelope is one inbound delivery from the daemon.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// DataMessage is an ordinary chat message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo is present when a message was sent to a group.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// SyncMessage mirrors messages sent from the account's other devices.
type SyncMessage struct {
	SentMessage *SentSyncMessage `json:"sentMessage,omitempty"`
}

type SentSyncMessage struct {
	Destination string       `json:"destination"`
	Timestamp   int64        `json:"timestamp"`
	Message     *DataMessage `json:"message,omitempty"`
}

type TypingMessage struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

type ReceiptMessage struct {
	When       int64   `json:"when"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
	Timestamps []int64 `json:"timestamps"`
}

// receivePayload covers both the bare {"envelope":..} record and the
// JSON-RPC notification form {"method":"receive","params":{..}}.
type receivePayload struct {
	Envelope *Envelope `json:"envelope"`
	Account  string    `json:"account"`
	Params   *struct {
		Envelope *Envelope `json:"envelope"`
		Account  string    `json:"account"`
	} `json:"params"`
}

// ErrNoEnvelope means a record decoded but carried no envelope.
var ErrNoEnvelope = errors.New("record has no envelope")

// Message is the normalized view of an envelope that the dispatcher consumes.
type Message struct {
	Account string
	// Sender is zero when no envelope field held a usable address.
	Sender     rpc.Address
	SenderName string
	// Timestamp identifies the message for dedupe and receipts.
	Timestamp int64
	Text      string
	GroupID   string
	// FromSelf is set for sync messages echoing the account's own sends.
	FromSelf bool
}

// IsGroup reports whether the message was addressed to a group.
func (m Message) IsGroup() bool {
	return m.GroupID != ""
}

// decodeRecord parses an event data payload into a Message.
func decodeRecord(data []byte) (Message, error) {
	var p receivePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, fmt.Errorf("decoding event: %w", err)
	}
	env, account := p.Envelope, p.Account
	if env == nil && p.Params != nil {
		env, account = p.Params.Envelope, p.Params.Account
	}
	if env == nil {
		return Message{}, ErrNoEnvelope
	}
	return env.normalize(account), nil
}

func (e *Envelope) normalize(account string) Message {
	m := Message{
		Account:    account,
		Sender:     e.sender(),
		SenderName: e.SourceName,
		Timestamp:  e.Timestamp,
	}

	switch {
	case e.DataMessage != nil:
		m.Text = e.DataMessage.Message
		if e.DataMessage.Timestamp != 0 {
			m.Timestamp = e.DataMessage.Timestamp
		}
		if e.DataMessage.GroupInfo != nil {
			m.GroupID = e.DataMessage.GroupInfo.GroupID
		}
	case e.SyncMessage != nil:
		m.FromSelf = true
		if sent := e.SyncMessage.SentMessage; sent != nil && sent.Message != nil {
			m.Text = sent.Message.Message
		}
	}

	if account != "" && (e.SourceNumber == account || e.Source == account) {
		m.FromSelf = true
	}
	return m
}

// sender prefers the phone number, then the UUID, then the legacy source field.
func (e *Envelope) sender() rpc.Address {
	if addr, err := rpc.NewAddress(rpc.KindPhone, e.SourceNumber); err == nil {
		return addr
	}
	if addr, err := rpc.NewAddress(rpc.KindUUID, e.SourceUUID); err == nil {
		return addr
	}
	if addr, err := rpc.ParseAddress(e.Source); err == nil && addr.Kind != rpc.KindGroup {
		return addr
	}
	return rpc.Address{}
}
