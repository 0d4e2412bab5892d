// ABOUTME: Per-contact rolling conversation history handed to agents as context
// ABOUTME: Keeps entries inside a trailing time window, capped to the newest N

package conversation

import (
	"sync"
	"time"
)

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	DefaultTimeout    = 30 * time.Minute
	DefaultMaxEntries = 20
)

// Entry is one turn in a contact's history.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Window stores recent history for every contact.
type Window struct {
	mu         sync.Mutex
	entries    map[string][]Entry
	timeout    time.Duration
	maxEntries int
	now        func() time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the wall clock used for pruning.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow creates a window that keeps entries newer than timeout, at most
// maxEntries per contact. Non-positive arguments fall back to the defaults.
func NewWindow(timeout time.Duration, maxEntries int, opts ...Option) *Window {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	w := &Window{
		entries:    make(map[string][]Entry),
		timeout:    timeout,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append adds an entry for contactID. A zero timestamp is stamped with the
// current time, and a timestamp earlier than the contact's last entry is
// raised to it so the list stays ordered.
func (w *Window) Append(contactID string, entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	list := w.entries[contactID]
	if n := len(list); n > 0 && entry.Timestamp.Before(list[n-1].Timestamp) {
		entry.Timestamp = list[n-1].Timestamp
	}
	w.entries[contactID] = w.prune(append(list, entry), now)
}

// Recent returns the retained entries for contactID, oldest first. The
// returned slice is a copy.
func (w *Window) Recent(contactID string) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.prune(w.entries[contactID], w.now())
	if len(list) == 0 {
		delete(w.entries, contactID)
		return nil
	}
	w.entries[contactID] = list

	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Clear forgets all history for contactID.
func (w *Window) Clear(contactID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, contactID)
}

// prune applies the time filter and then the hard cap.
func (w *Window) prune(list []Entry, now time.Time) []Entry {
	cutoff := now.Add(-w.timeout)
	start := 0
	for start < len(list) && list[start].Timestamp.Before(cutoff) {
		start++
	}
	list = list[start:]
	if len(list) > w.maxEntries {
		list = list[len(list)-w.maxEntries:]
	}
	return list
}
