// Package agent resolves agent identifiers to the agents that answer contacts.
//
// # Identifiers
//
// Agents come from a closed set (Known). A contact's mapping stores one of
// these ids; mentions such as "@planner" resolve through an alias table to the
// same ids. Anything outside the set fails with an *UnknownAgentError, which
// matches ErrUnknownAgent under errors.Is.
//
// # Registry
//
//	reg := agent.NewRegistry(logger)
//	reg.Register(agent.Paddy, agent.NewHTTPAgent(agent.Paddy, endpoint, timeout, logger))
//	id, err := reg.Resolve("pad") // "paddy"
//
// # HTTP agents
//
// HTTPAgent posts the conversation history to the agent service with the
// user's bearer token. The service may answer with JSON ({"text": ...}) or a
// server-sent event stream of text, done, and error events.
package agent
