// Package textutil holds the transport-independent message helpers shared by
// every chat gateway: @mention parsing, length-bounded splitting that keeps
// line boundaries, and flattening of agent markdown into plain text for
// transports that cannot render it.
package textutil
