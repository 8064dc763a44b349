// Package signer issues and verifies the short-lived capabilities that gate
// every file operation against the blob store. A capability binds an HTTP
// method and an exact blob path to an expiry instant; it grants that one
// operation and nothing else.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExpired indicates the capability's expiry instant has passed.
	ErrExpired = errors.New("capability expired")
	// ErrSignatureMismatch indicates the signature does not match the
	// method, path, and expiry it was presented with.
	ErrSignatureMismatch = errors.New("capability signature mismatch")
)

// Capability grants one storage operation until Expiry.
type Capability struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Signature string `json:"signature"`
	// Expiry is milliseconds since the Unix epoch.
	Expiry int64 `json:"expiry"`
}

// Signer mints and checks capabilities with a shared secret. It is stateless;
// any process holding the secret verifies what any other process issued.
type Signer struct {
	secret []byte
}

// New constructs a Signer from the shared secret.
func New(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("capability secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Issue signs method and path for the given lifetime.
func (s *Signer) Issue(method, path string, ttl time.Duration) Capability {
	expiry := time.Now().Add(ttl).UnixMilli()
	return Capability{
		Method:    canonicalMethod(method),
		Path:      path,
		Signature: s.sign(method, path, expiry),
		Expiry:    expiry,
	}
}

// Verify checks a presented capability against now. It denies expired
// capabilities before inspecting the signature so a tampered expiry cannot
// extend a grant.
func (s *Signer) Verify(method, path, signature string, expiry int64, now time.Time) error {
	if now.UnixMilli() > expiry {
		return ErrExpired
	}
	expected := s.sign(method, path, expiry)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (s *Signer) sign(method, path string, expiry int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%d", canonicalMethod(method), path, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}
