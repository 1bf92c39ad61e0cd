// Package token issues and verifies the hidden anti-bot token embedded in
// protected forms. The token is an AES-256-GCM sealed JSON envelope binding
// the issue time and the requesting client's identity; verification replays
// those bindings against the submitting request.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/formgate/formgate/pkg/config"
)

var (
	ErrMalformed       = errors.New("token: malformed or tampered token")
	ErrFieldMismatch   = errors.New("token: issued for a different form field")
	ErrSessionMismatch = errors.New("token: issued for a different session")
	ErrIPMismatch      = errors.New("token: issued for a different client ip")
	ErrAgentMismatch   = errors.New("token: issued for a different user agent")
	ErrTooFast         = errors.New("token: submitted too quickly after issue")
	ErrExpired         = errors.New("token: submitted too long after issue")
)

type payload struct {
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
	FieldName string `json:"field_name"`
}

// Issuer seals and opens tokens with a key derived from the configured
// secret. The same secret must be shared by every replica.
type Issuer struct {
	aead  cipher.AEAD
	min   time.Duration
	max   time.Duration
	nowFn func() time.Time
}

// VerifyContext is the submitting request's identity, compared against what
// was sealed at issue time.
type VerifyContext struct {
	SessionID string
	ClientIP  string
	UserAgent string
	FieldName string
}

// NewIssuer derives a 256-bit key from the secret. An empty secret is
// refused; a predictable key would let bots mint their own tokens.
func NewIssuer(cfg config.Config) (*Issuer, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("token: secret must be configured")
	}
	key := sha256.Sum256([]byte(cfg.TokenSecret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("token: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token: init gcm: %w", err)
	}

	return &Issuer{
		aead:  aead,
		min:   time.Duration(cfg.MinSubmitSeconds) * time.Second,
		max:   time.Duration(cfg.MaxSubmitSeconds) * time.Second,
		nowFn: time.Now,
	}, nil
}

// Issue seals the client identity and current time into an opaque token
// safe to embed in an HTML form.
func (i *Issuer) Issue(vc VerifyContext) (string, error) {
	plain, err := json.Marshal(payload{
		Timestamp: i.nowFn().Unix(),
		SessionID: vc.SessionID,
		ClientIP:  vc.ClientIP,
		UserAgent: vc.UserAgent,
		FieldName: vc.FieldName,
	})
	if err != nil {
		return "", fmt.Errorf("token: marshal payload: %w", err)
	}

	nonce := make([]byte, i.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("token: nonce: %w", err)
	}

	sealed := i.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Verify opens the token and checks every binding. The returned errors are
// signals, not faults: callers downgrade them to a heuristic verdict.
func (i *Issuer) Verify(token string, vc VerifyContext) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < i.aead.NonceSize() {
		return ErrMalformed
	}

	nonce, ciphertext := raw[:i.aead.NonceSize()], raw[i.aead.NonceSize():]
	plain, err := i.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrMalformed
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return ErrMalformed
	}

	if vc.FieldName != "" && p.FieldName != vc.FieldName {
		return ErrFieldMismatch
	}
	if p.SessionID != vc.SessionID {
		return ErrSessionMismatch
	}
	if p.ClientIP != vc.ClientIP {
		return ErrIPMismatch
	}
	if p.UserAgent != vc.UserAgent {
		return ErrAgentMismatch
	}

	elapsed := i.nowFn().Sub(time.Unix(p.Timestamp, 0))
	if elapsed < i.min {
		return ErrTooFast
	}
	if i.max > 0 && elapsed > i.max {
		return ErrExpired
	}
	return nil
}
