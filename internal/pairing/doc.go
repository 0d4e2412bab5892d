// Package pairing issues and redeems the short-lived codes that let a user
// prove, from the chat transport, that they own the internal account that
// asked to pair. Codes expire by comparing wall-clock age against the TTL
// whenever the registry is touched; nothing runs in the background.
package pairing
