// Package signature signs and verifies webhook payloads.
//
// # Token Format
//
// A signature token has three dot-separated parts:
//
//	<hex hmac>.<unix seconds>.<hex nonce>
//
// The HMAC is computed over payload "." timestamp "." nonce so a captured
// signature cannot be replayed against a different body. Nonces are 16
// random bytes. Supported methods are sha256 (default), sha1 and sha512.
//
// # Receiver Verification
//
//	token := r.Header.Get(signature.HeaderSignature)
//	method := signature.Method(r.Header.Get(signature.HeaderMethod))
//	if !signature.VerifyWithTolerance(body, token, secret, method, signature.DefaultTolerance, time.Now()) {
//		http.Error(w, "invalid signature", http.StatusUnauthorized)
//		return
//	}
//
// Verify never enforces freshness. Receivers should reject tokens older than
// DefaultTolerance (5 minutes) and remember recently seen nonces.
package signature
