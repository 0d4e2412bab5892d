// ABOUTME: Contact mapping types and the snapshot interface for persistence
// ABOUTME: A mapping binds one transport contact to one internal user and agent

package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no mapping exists for a contact.
var ErrNotFound = errors.New("mapping not found")

// Mapping binds one external contact address to one internal user.
type Mapping struct {
	ContactID      string    `json:"externalContactId"`
	ContactKind    string    `json:"contactKind,omitempty"` // address kind tag of ContactID
	UserID         string    `json:"internalUserId"`
	AgentID        string    `json:"selectedAgentId"`
	EncryptedToken string    `json:"encryptedToken"`
	PairedAt       time.Time `json:"pairedAt"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
}

// Snapshotter persists the full mapping table wholesale.
type Snapshotter interface {
	// Load returns the stored mappings. A snapshot that does not exist yet
	// yields an empty slice and no error.
	Load(ctx context.Context) ([]Mapping, error)

	// Save replaces the stored snapshot with mappings.
	Save(ctx context.Context, mappings []Mapping) error

	Close() error
}

// PersistenceError reports a failed save. The in-memory mutation that
// triggered it has already been applied and remains authoritative.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting mappings after %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
