// ABOUTME: In-memory registry of outstanding pairing codes with TTL expiry
// ABOUTME: Codes are short, case-insensitive, collision-checked and single-use

package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud or retyped.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultTTL        = 10 * time.Minute
	DefaultCodeLength = 6

	// maxIssueAttempts bounds the collision-retry loop.
	maxIssueAttempts = 32
)

var (
	// ErrNotFound is returned when no outstanding request has the code.
	ErrNotFound = errors.New("pairing code not found")
	// ErrExpired is returned when the code existed but outlived the TTL.
	// The request has been removed; the user must ask for a fresh code.
	ErrExpired = errors.New("pairing code expired")
)

// Request is a single-use invitation binding a transport identity to an
// already-authenticated internal user.
type Request struct {
	Code           string
	UserID         string
	AgentID        string
	EncryptedToken string
	CreatedAt      time.Time
}

// Registry holds outstanding pairing requests. It is never persisted.
type Registry struct {
	mu         sync.Mutex
	requests   map[string]*Request
	ttl        time.Duration
	codeLength int
	now        func() time.Time
	generate   func(n int) (string, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long an issued code stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithCodeLength sets the number of characters in issued codes.
func WithCodeLength(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.codeLength = n
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithGenerator overrides code generation, for tests.
func WithGenerator(gen func(n int) (string, error)) Option {
	return func(r *Registry) {
		r.generate = gen
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		requests:   make(map[string]*Request),
		ttl:        DefaultTTL,
		codeLength: DefaultCodeLength,
		now:        time.Now,
		generate:   generateCode,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the configured code lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Issue creates a new code for userID. Expired requests are swept first, and
// any code the same user still holds is replaced so only the newest works.
func (r *Registry) Issue(userID, agentID, encryptedToken string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	for code, req := range r.requests {
		if req.UserID == userID {
			delete(r.requests, code)
		}
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := r.generate(r.codeLength)
		if err != nil {
			return "", err
		}
		code = NormalizeCode(code)
		if _, taken := r.requests[code]; taken {
			continue
		}
		r.requests[code] = &Request{
			Code:           code,
			UserID:         userID,
			AgentID:        agentID,
			EncryptedToken: encryptedToken,
			CreatedAt:      now,
		}
		return code, nil
	}
	return "", fmt.Errorf("could not allocate a unique pairing code after %d attempts", maxIssueAttempts)
}

// Consume removes and returns the request for code. A request found past its
// TTL is removed and reported as ErrExpired.
func (r *Registry) Consume(code string) (*Request, error) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.requests, code)

	if r.expired(req, r.now()) {
		return nil, ErrExpired
	}
	return req, nil
}

// Has reports whether code names an outstanding request, expired or not.
func (r *Registry) Has(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[NormalizeCode(code)]
	return ok
}

// RevokeUser drops any outstanding code held by userID.
func (r *Registry) RevokeUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for code, req := range r.requests {
		if req.UserID == userID {
			delete(r.requests, code)
			removed++
		}
	}
	return removed
}

// SweepExpired removes every request older than the TTL and returns how many
// were dropped.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for code, req := range r.requests {
		if r.expired(req, now) {
			delete(r.requests, code)
			removed++
		}
	}
	return removed
}

func (r *Registry) expired(req *Request, now time.Time) bool {
	return now.Sub(req.CreatedAt) > r.ttl
}

// NormalizeCode upper-cases and trims a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating pairing code: %w", err)
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}
