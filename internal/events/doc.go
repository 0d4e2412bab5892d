// Package events consumes the daemon's inbound event stream.
//
// The stream is server-sent events: "event:" and "data:" lines accumulate
// until a blank line ends the record. Each record's data is a JSON envelope
// which is normalized into a Message and passed to the Handler. The Listener
// moves between connecting, streaming, and disconnected, and stops when its
// context is cancelled.
package events
