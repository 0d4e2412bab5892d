// ABOUTME: HTTP Control API used by the internal application to pair and manage contacts
// ABOUTME: Health is public; pairing, status and settings require a bearer token

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-signal/internal/auth"
	"github.com/2389/coven-signal/internal/events"
	"github.com/2389/coven-signal/internal/mapping"
)

const maxRequestBody = 64 << 10

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Instance        string `json:"instance"`
	Account         string `json:"account"`
	Mappings        int    `json:"mappings"`
	DaemonConnected bool   `json:"daemonConnected"`
}

// PairRequest is the optional body of POST /pair.
type PairRequest struct {
	AgentID string `json:"agentId,omitempty"`
}

// PairResponse is the body returned by POST /pair.
type PairResponse struct {
	PairingCode  string `json:"pairingCode"`
	BotAddress   string `json:"botAddress"`
	Instructions string `json:"instructions"`
	ExpiresIn    int    `json:"expiresIn"`
}

// UnpairResponse is the body returned by DELETE /pair.
type UnpairResponse struct {
	Unpaired bool `json:"unpaired"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Paired            bool       `json:"paired"`
	ExternalContactID string     `json:"externalContactId,omitempty"`
	AgentID           string     `json:"agentId,omitempty"`
	LastActiveAt      *time.Time `json:"lastActiveAt,omitempty"`
}

// SettingsRequest is the body of PUT /settings.
type SettingsRequest struct {
	AgentID string `json:"agentId"`
}

// SettingsResponse is the body returned by PUT /settings.
type SettingsResponse struct {
	Updated bool   `json:"updated"`
	AgentID string `json:"agentId"`
}

// routes builds the Control API handler.
func (g *Gateway) routes() http.Handler {
	authMiddleware := auth.HTTPAuthMiddleware(g.verifier, g.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/pair", authMiddleware(http.HandlerFunc(g.handlePair)))
	mux.Handle("/status", authMiddleware(http.HandlerFunc(g.handleStatus)))
	mux.Handle("/settings", authMiddleware(http.HandlerFunc(g.handleSettings)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
	})

	return withCORS(mux)
}

// withCORS answers preflight requests for every path and tags responses with
// permissive CORS headers. Authentication still applies to the real request.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports liveness plus whether the daemon stream is up.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.sendJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Instance:        g.config.Account.Instance,
		Account:         g.config.Account.Number,
		Mappings:        g.mappings.Len(),
		DaemonConnected: g.listener.State() == events.StateStreaming && g.supervisor.Running(),
	})
}

func (g *Gateway) handlePair(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleCreatePairing(w, r)
	case http.MethodDelete:
		g.handleUnpair(w, r)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreatePairing issues a pairing code bound to the caller's identity.
// The caller's bearer token is stored encrypted so the agent can later act
// on their behalf.
func (g *Gateway) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req PairRequest
	if err := decodeBody(r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentID := g.agents.Default()
	if req.AgentID != "" {
		id, err := g.agents.Resolve(req.AgentID)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		agentID = id
	}
	if agentID == "" {
		g.sendJSONError(w, http.StatusServiceUnavailable, "no agents available")
		return
	}

	encrypted, err := g.codec.Encrypt(caller.Token)
	if err != nil {
		g.logger.Error("failed to encrypt credential", "user_id", caller.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create pairing code")
		return
	}

	code, err := g.pairing.Issue(caller.UserID, agentID, encrypted)
	if err != nil {
		g.logger.Error("failed to issue pairing code", "user_id", caller.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create pairing code")
		return
	}

	ttl := g.pairing.TTL()
	g.logger.Info("pairing code issued", "user_id", caller.UserID, "agent_id", agentID)
	g.logger.Debug("pairing code", "user_id", caller.UserID, "code", code)

	g.sendJSON(w, http.StatusOK, PairResponse{
		PairingCode:  code,
		BotAddress:   g.config.Account.Number,
		Instructions: pairingInstructions(code, g.config.Account.Number, ttl),
		ExpiresIn:    int(ttl / time.Second),
	})
}

func pairingInstructions(code, botAddress string, ttl time.Duration) string {
	to := "the gateway's Signal number"
	if botAddress != "" {
		to = botAddress
	}
	return fmt.Sprintf("Send \"/start %s\" to %s on Signal within %d minutes.", code, to, int(ttl.Minutes()))
}

// handleUnpair removes the caller's mapping and any codes still pending.
func (g *Gateway) handleUnpair(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	revoked := g.pairing.RevokeUser(caller.UserID)
	removed, ok, err := g.mappings.RemoveByUser(r.Context(), caller.UserID)
	if ok {
		g.window.Clear(removed.ContactID)
	}
	if err != nil {
		g.persistenceFailure(w, "unpair", caller.UserID, err)
		return
	}

	g.logger.Info("user unpaired", "user_id", caller.UserID, "removed", ok, "revoked_codes", revoked)
	g.sendJSON(w, http.StatusOK, UnpairResponse{Unpaired: ok})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	caller := auth.MustFromContext(r.Context())

	m, ok := g.mappings.GetByUser(caller.UserID)
	if !ok {
		g.sendJSON(w, http.StatusOK, StatusResponse{Paired: false})
		return
	}

	resp := StatusResponse{
		Paired:            true,
		ExternalContactID: m.ContactID,
		AgentID:           m.AgentID,
	}
	if !m.LastActiveAt.IsZero() {
		last := m.LastActiveAt.UTC()
		resp.LastActiveAt = &last
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleSettings changes the agent selected for the caller's mapping. An
// unpaired caller gets updated=false.
func (g *Gateway) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	caller := auth.MustFromContext(r.Context())

	var req SettingsRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	agentID, err := g.agents.Resolve(req.AgentID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, ok := g.mappings.GetByUser(caller.UserID)
	if !ok {
		g.sendJSON(w, http.StatusOK, SettingsResponse{Updated: false, AgentID: agentID})
		return
	}

	_, ok, err = g.mappings.Update(r.Context(), m.ContactID, func(u *mapping.Mapping) {
		u.AgentID = agentID
	})
	if err != nil {
		g.persistenceFailure(w, "settings", caller.UserID, err)
		return
	}

	g.logger.Info("agent changed", "user_id", caller.UserID, "from", m.AgentID, "to", agentID)
	g.sendJSON(w, http.StatusOK, SettingsResponse{Updated: ok, AgentID: agentID})
}

// persistenceFailure logs a failed save and reports it to the caller. The
// in-memory change has already been applied; the next successful save
// writes it out.
func (g *Gateway) persistenceFailure(w http.ResponseWriter, op, userID string, err error) {
	var perr *mapping.PersistenceError
	if errors.As(err, &perr) {
		g.logger.Error("mapping change not persisted", "op", op, "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "change applied but could not be saved")
		return
	}
	g.logger.Error("mapping change failed", "op", op, "user_id", userID, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody parses a JSON request body into dst. With allowEmpty an absent
// body leaves dst untouched.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
