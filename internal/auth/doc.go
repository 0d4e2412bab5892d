// Package auth verifies the bearer tokens issued by the internal application.
//
// Tokens are HS256 JWTs signed with the shared secret. Verification checks the
// signature, expiry, and (when configured) audience and issuer, and resolves
// the canonical user id from the "user_id" claim or "sub".
//
// Failures are reported as *TokenError with one of four kinds:
//
//   - KindExpired: the token's exp is in the past
//   - KindInvalid: bad signature, malformed, wrong audience or issuer
//   - KindMissingUser: the token verified but names no user
//   - KindSecretNotConfigured: the gateway has no secret to verify with
//
// The Control API maps every kind to 401 with a kind-specific message.
package auth
