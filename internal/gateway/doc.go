// Package gateway wires one coven-signal instance together and serves the
// Control API.
//
// # Startup
//
// New loads the mapping snapshot, builds the token verifier, credential
// codec, pairing registry, conversation window, dedup cache and agent
// registry, and prepares the daemon supervisor, router and event listener.
// Nothing talks to the daemon until Run:
//
//  1. Run asks the supervisor for a healthy daemon. An external URL is used
//     as is; otherwise signal-cli is spawned when auto-start is allowed.
//     Failure here is fatal and returns daemon.ErrDaemonUnavailable.
//  2. The Control API server and the event listener run under one errgroup.
//  3. When the context is canceled the HTTP server drains, in-flight turns
//     finish, a supervised daemon is stopped and the mapping store closes.
//
// Outbound sends resolve the daemon URL on every call, so a daemon that
// exits and is started again on a new port is picked up by the next send.
//
// # Control API
//
//	GET    /health    public      {status, instance, account, mappings, daemonConnected}
//	POST   /pair      bearer      {agentId?} -> {pairingCode, botAddress, instructions, expiresIn}
//	DELETE /pair      bearer      {unpaired}
//	GET    /status    bearer      {paired, externalContactId?, agentId?, lastActiveAt?}
//	PUT    /settings  bearer      {agentId} -> {updated, agentId}
//
// OPTIONS is answered for every path with permissive CORS headers. Unknown
// paths return 404 and every error body is {"error": "..."}.
package gateway
