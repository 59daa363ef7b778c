package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Method identifies the HMAC hash function used to sign a payload
type Method string

const (
	MethodSHA256 Method = "sha256"
	MethodSHA1   Method = "sha1"
	MethodSHA512 Method = "sha512"
)

// DefaultMethod is used when no method is given
const DefaultMethod = MethodSHA256

// NonceSize is the number of random bytes in a nonce before hex encoding
const NonceSize = 16

// DefaultTolerance is the recommended freshness window receivers should
// enforce on the token timestamp. Verify does not apply it; use
// VerifyWithTolerance for that.
const DefaultTolerance = 5 * time.Minute

// Header names carried on outbound webhook requests
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderMethod    = "X-Webhook-Signature-Method"
)

var (
	// ErrUnsupportedMethod is returned when signing with an unknown hash method
	ErrUnsupportedMethod = errors.New("unsupported signature method")
	// ErrEmptySecret is returned when signing without a secret
	ErrEmptySecret = errors.New("signing secret is required")
)

// Signature is the result of signing a payload
type Signature struct {
	Signature string `json:"signature"`
	Method    Method `json:"method"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Token     string `json:"token"`
}

// Signer produces signatures with an injectable clock and entropy source
type Signer struct {
	now   func() time.Time
	nonce func() (string, error)
}

// NewSigner creates a signer backed by the wall clock and crypto/rand
func NewSigner() *Signer {
	return &Signer{
		now:   time.Now,
		nonce: randomNonce,
	}
}

var defaultSigner = NewSigner()

// Sign signs payload with the default signer
func Sign(payload []byte, secret string, method Method) (*Signature, error) {
	return defaultSigner.Sign(payload, secret, method)
}

// Sign computes HMAC(method, secret, payload "." timestamp "." nonce) and
// returns it together with the signature.timestamp.nonce token.
func (s *Signer) Sign(payload []byte, secret string, method Method) (*Signature, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	method = normalize(method)
	newHash, err := hashFor(method)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	timestamp := s.now().Unix()
	ts := strconv.FormatInt(timestamp, 10)

	sig := hex.EncodeToString(compute(newHash, secret, payload, ts, nonce))
	return &Signature{
		Signature: sig,
		Method:    method,
		Timestamp: timestamp,
		Nonce:     nonce,
		Token:     sig + "." + ts + "." + nonce,
	}, nil
}

// Verify reports whether token is a valid signature of payload under secret.
// Malformed tokens, unknown methods and empty secrets all yield false.
func Verify(payload []byte, token, secret string, method Method) bool {
	_, ok := verify(payload, token, secret, method)
	return ok
}

// VerifyWithTolerance behaves like Verify and additionally rejects tokens
// whose timestamp is further than tolerance from now in either direction.
func VerifyWithTolerance(payload []byte, token, secret string, method Method, tolerance time.Duration, now time.Time) bool {
	timestamp, ok := verify(payload, token, secret, method)
	if !ok {
		return false
	}
	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	return skew <= tolerance
}

// ParseToken splits a token into its signature, timestamp and nonce parts
func ParseToken(token string) (sig []byte, timestamp int64, nonce string, err error) {
	p, err := splitToken(token)
	if err != nil {
		return nil, 0, "", err
	}
	return p.sig, p.timestamp, p.nonce, nil
}

type tokenParts struct {
	sig       []byte
	sigHex    string
	rawTS     string
	timestamp int64
	nonce     string
}

func splitToken(token string) (*tokenParts, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token must have 3 parts, got %d", len(parts))
	}
	sig, err := hex.DecodeString(parts[0])
	if err != nil || len(sig) == 0 {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	if parts[1] == "" || strings.TrimLeft(parts[1], "0123456789") != "" {
		return nil, fmt.Errorf("invalid timestamp")
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	raw, err := hex.DecodeString(parts[2])
	if err != nil || len(raw) < NonceSize {
		return nil, fmt.Errorf("invalid nonce")
	}
	return &tokenParts{sig: sig, sigHex: parts[0], rawTS: parts[1], timestamp: timestamp, nonce: parts[2]}, nil
}

func verify(payload []byte, token, secret string, method Method) (int64, bool) {
	if secret == "" {
		return 0, false
	}
	newHash, err := hashFor(normalize(method))
	if err != nil {
		return 0, false
	}
	p, err := splitToken(token)
	if err != nil {
		return 0, false
	}
	// compare the canonical lowercase encoding so case changes do not verify
	expected := hex.EncodeToString(compute(newHash, secret, payload, p.rawTS, p.nonce))
	return p.timestamp, hmac.Equal([]byte(expected), []byte(p.sigHex))
}

func compute(newHash func() hash.Hash, secret string, payload []byte, timestamp, nonce string) []byte {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

func normalize(method Method) Method {
	if method == "" {
		return DefaultMethod
	}
	return Method(strings.ToLower(string(method)))
}

func hashFor(method Method) (func() hash.Hash, error) {
	switch method {
	case MethodSHA256:
		return sha256.New, nil
	case MethodSHA1:
		return sha1.New, nil
	case MethodSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
}

func randomNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IsSupported reports whether method names a known hash function
func IsSupported(method Method) bool {
	_, err := hashFor(normalize(method))
	return err == nil
}
