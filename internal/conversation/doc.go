// Package conversation keeps the bounded, per-contact short-term history the
// router hands to an agent on every turn.
package conversation
