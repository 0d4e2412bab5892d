// Package dedupe guarantees at-most-once handling of inbound deliveries that
// the transport may redeliver. Markers are keyed by (sender, transport
// timestamp) and expire by comparing timestamps when the set is touched.
package dedupe
