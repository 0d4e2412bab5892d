// Package rpc talks to the messaging daemon's JSON-RPC control endpoint.
//
// Requests are single POSTs carrying {jsonrpc, method, params, id}; replies are
// {result} or {error:{code,message}}. Structured daemon errors surface as
// *Error, network and decoding failures as *TransportError.
//
// Recipients are typed Addresses. Groups go out as "groupId", phone numbers
// and UUIDs as "recipient".
package rpc
