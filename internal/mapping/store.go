// ABOUTME: Process-wide contact mapping table with snapshot-on-mutation durability
// ABOUTME: Enforces one mapping per contact and one mapping per internal user

package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Store owns every contact mapping. All mutations go through it and are
// followed by a full snapshot save. Saves are serialized by writeMu so two
// concurrent mutators can never persist an older table over a newer one.
type Store struct {
	mu        sync.RWMutex
	byContact map[string]*Mapping

	writeMu  sync.Mutex
	snapshot Snapshotter
	logger   *slog.Logger
}

// NewStore creates an empty store persisting through snapshot.
func NewStore(snapshot Snapshotter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byContact: make(map[string]*Mapping),
		snapshot:  snapshot,
		logger:    logger.With("component", "mapping"),
	}
}

// Load replaces the in-memory table with the snapshot contents. A missing
// snapshot is an empty store; any other failure is returned.
func (s *Store) Load(ctx context.Context) error {
	mappings, err := s.snapshot.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading mappings: %w", err)
	}

	table := make(map[string]*Mapping, len(mappings))
	users := make(map[string]string, len(mappings))
	for i := range mappings {
		m := mappings[i]
		if m.ContactID == "" || m.UserID == "" {
			s.logger.Warn("skipping incomplete mapping in snapshot", "contact", m.ContactID)
			continue
		}
		// Later entries win if a hand-edited snapshot broke the per-user rule.
		if prev, ok := users[m.UserID]; ok {
			delete(table, prev)
		}
		users[m.UserID] = m.ContactID
		table[m.ContactID] = &m
	}

	s.mu.Lock()
	s.byContact = table
	s.mu.Unlock()

	s.logger.Info("mappings loaded", "count", len(table))
	return nil
}

// Save persists the current table. It is idempotent and safe to call after
// every mutation.
func (s *Store) Save(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.snapshot.Save(ctx, s.List()); err != nil {
		return err
	}
	return nil
}

// Get returns the mapping for contactID.
func (s *Store) Get(contactID string) (Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byContact[contactID]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// GetByUser returns the mapping held by userID.
func (s *Store) GetByUser(userID string) (Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.byContact {
		if m.UserID == userID {
			return *m, true
		}
	}
	return Mapping{}, false
}

// List returns a copy of every mapping ordered by contact id.
func (s *Store) List() []Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Mapping, 0, len(s.byContact))
	for _, m := range s.byContact {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out
}

// Len returns the number of mappings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byContact)
}

// Upsert installs m, first removing any mapping the same user holds under a
// different contact. It returns the mappings that were displaced.
func (s *Store) Upsert(ctx context.Context, m Mapping) ([]Mapping, error) {
	if m.ContactID == "" || m.UserID == "" {
		return nil, fmt.Errorf("mapping requires contact and user ids")
	}

	s.mu.Lock()
	var displaced []Mapping
	for contact, existing := range s.byContact {
		if existing.UserID == m.UserID && contact != m.ContactID {
			displaced = append(displaced, *existing)
			delete(s.byContact, contact)
		}
	}
	stored := m
	s.byContact[m.ContactID] = &stored
	s.mu.Unlock()

	for _, d := range displaced {
		s.logger.Info("replaced previous mapping for user", "user_id", m.UserID, "old_contact", d.ContactID)
	}
	return displaced, s.persist(ctx, "upsert")
}

// Update applies fn to the mapping for contactID and persists the result.
// ok is false when no mapping exists. fn must not change ContactID or UserID.
func (s *Store) Update(ctx context.Context, contactID string, fn func(*Mapping)) (Mapping, bool, error) {
	s.mu.Lock()
	existing, ok := s.byContact[contactID]
	if !ok {
		s.mu.Unlock()
		return Mapping{}, false, nil
	}
	updated := *existing
	fn(&updated)
	updated.ContactID = existing.ContactID
	updated.UserID = existing.UserID
	s.byContact[contactID] = &updated
	s.mu.Unlock()

	return updated, true, s.persist(ctx, "update")
}

// RemoveByUser deletes the mapping held by userID.
func (s *Store) RemoveByUser(ctx context.Context, userID string) (Mapping, bool, error) {
	s.mu.Lock()
	var removed *Mapping
	for contact, m := range s.byContact {
		if m.UserID == userID {
			removed = m
			delete(s.byContact, contact)
		}
	}
	s.mu.Unlock()

	if removed == nil {
		return Mapping{}, false, nil
	}
	return *removed, true, s.persist(ctx, "remove by user")
}

// RemoveByContact deletes the mapping for contactID.
func (s *Store) RemoveByContact(ctx context.Context, contactID string) (Mapping, bool, error) {
	s.mu.Lock()
	removed, ok := s.byContact[contactID]
	delete(s.byContact, contactID)
	s.mu.Unlock()

	if !ok {
		return Mapping{}, false, nil
	}
	return *removed, true, s.persist(ctx, "remove by contact")
}

// Close releases the snapshot backend.
func (s *Store) Close() error {
	return s.snapshot.Close()
}

func (s *Store) persist(ctx context.Context, op string) error {
	if err := s.Save(ctx); err != nil {
		s.logger.Error("failed to persist mappings", "op", op, "error", err)
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}
