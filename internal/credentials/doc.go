// Package credentials encrypts the internal-application bearer tokens that
// contact mappings and pairing requests carry, so the mapping snapshot never
// holds a usable token in the clear.
//
// Envelope format (all fields hex encoded):
//
//	salt:nonce:tag:ciphertext
//
// A decrypt failure means the credential is unusable and the user must pair
// again; it is never treated as fatal.
package credentials
