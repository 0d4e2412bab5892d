// Package daemon locates or launches the signal-cli HTTP daemon.
//
// With an external URL configured the Supervisor only hands that URL back.
// Otherwise EnsureReady spawns "signal-cli daemon --http host:port" on a free
// local port, logs its output, and polls the version RPC until it answers or
// the startup timeout passes. A daemon that exits is forgotten rather than
// restarted; the next EnsureReady call starts a fresh one.
package daemon
