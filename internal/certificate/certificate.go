// Package certificate verifies Authority-signed Ed25519 JWT certificates
// and guards against replay. TokenStore is an explicit dependency injected
// into each Verifier — so two Verifiers (or a test and the production
// instance) never share replay state through a hidden global.
package certificate

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// UnderstoodProtocols are the dpyc_protocol values this Operator accepts.
var UnderstoodProtocols = map[string]struct{}{
	"dpyp-01-base-certificate": {},
}

// ErrCertificate is the sentinel wrapped by every certificate validation
// failure — expired, tampered, replayed, or malformed certificates.
var ErrCertificate = errors.New("certificate invalid")

// Claims are the fields extracted from a verified certificate.
type Claims struct {
	OperatorID   string
	AmountSats   int64
	TaxPaidSats  int64
	NetSats      int64
	JTI          string
	DPYCProtocol string
}

type jwtClaims struct {
	jwt.RegisteredClaims
	AmountSats   int64  `json:"amount_sats"`
	TaxPaidSats  int64  `json:"tax_paid_sats"`
	NetSats      int64  `json:"net_sats"`
	DPYCProtocol string `json:"dpyc_protocol"`
}

// NormalizePublicKey accepts a bare base64 key body or a full PEM block
// and returns valid PEM. Operators can set the public key config value
// to just the base64 body — no PEM headers required.
func NormalizePublicKey(raw string) string {
	stripped := strings.TrimSpace(raw)
	if strings.HasPrefix(stripped, "-----") {
		return stripped
	}
	return fmt.Sprintf("-----BEGIN PUBLIC KEY-----\n%s\n-----END PUBLIC KEY-----", stripped)
}

// KeyFingerprint returns the last 8 characters of the base64 key body,
// for display in diagnostics.
func KeyFingerprint(raw string) string {
	stripped := strings.TrimSpace(raw)
	var b64 string
	if strings.HasPrefix(stripped, "-----") {
		var lines []string
		for _, ln := range strings.Split(stripped, "\n") {
			if !strings.HasPrefix(ln, "-----") {
				lines = append(lines, ln)
			}
		}
		b64 = strings.TrimSpace(strings.Join(lines, ""))
	} else {
		b64 = stripped
	}
	if len(b64) >= 8 {
		return b64[len(b64)-8:]
	}
	return b64
}

// TokenStore is a thread-safe in-memory JTI anti-replay store. Use
// NewTokenStore per Verifier (or share one explicitly where replay
// state genuinely needs to span multiple verifiers).
type TokenStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewTokenStore returns an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{seen: map[string]time.Time{}}
}

// CheckAndRecord records jti with expiry exp. Returns true if jti is
// new, false if it has already been seen (a replay).
func (s *TokenStore) CheckAndRecord(jti string, exp time.Time) bool {
	s.cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[jti]; ok {
		return false
	}
	s.seen[jti] = exp
	return true
}

func (s *TokenStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.seen {
		if !exp.After(now) {
			delete(s.seen, jti)
		}
	}
}

// Verifier validates Authority-signed certificates against one public
// key, tracking replay through its own TokenStore.
type Verifier struct {
	publicKey           ed25519.PublicKey
	tokens              *TokenStore
	understoodProtocols map[string]struct{}
}

// NewVerifier parses publicKeyRaw (bare base64 or PEM) and returns a
// Verifier with a fresh TokenStore. Pass a shared *TokenStore via
// WithTokenStore if replay state must span multiple verifiers.
func NewVerifier(publicKeyRaw string, opts ...VerifierOption) (*Verifier, error) {
	pemBlock := NormalizePublicKey(publicKeyRaw)
	block, _ := pem.Decode([]byte(pemBlock))
	if block == nil {
		return nil, fmt.Errorf("%w: authority public key is not valid PEM", ErrCertificate)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid authority public key: %v", ErrCertificate, err)
	}
	edKey, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: authority public key is not Ed25519", ErrCertificate)
	}

	v := &Verifier{
		publicKey:           edKey,
		tokens:              NewTokenStore(),
		understoodProtocols: UnderstoodProtocols,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifierOption configures a Verifier at construction time.
type VerifierOption func(*Verifier)

// WithTokenStore overrides the Verifier's TokenStore, e.g. to share
// replay state across multiple Verifier instances.
func WithTokenStore(store *TokenStore) VerifierOption {
	return func(v *Verifier) { v.tokens = store }
}

// WithUnderstoodProtocols overrides the set of accepted dpyc_protocol
// values.
func WithUnderstoodProtocols(protocols map[string]struct{}) VerifierOption {
	return func(v *Verifier) { v.understoodProtocols = protocols }
}

// Verify parses and validates token, checking signature, expiry,
// required claims, replay, and protocol compatibility.
func (v *Verifier) Verify(token string) (*Claims, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: certificate has expired", ErrCertificate)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: certificate signature is invalid, possible tampering", ErrCertificate)
		default:
			return nil, fmt.Errorf("%w: certificate could not be decoded: %v", ErrCertificate, err)
		}
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: certificate is not valid", ErrCertificate)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: certificate missing jti claim", ErrCertificate)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: certificate missing exp claim", ErrCertificate)
	}

	if !v.tokens.CheckAndRecord(claims.ID, claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: replay detected — jti %s already used", ErrCertificate, claims.ID)
	}

	if claims.DPYCProtocol == "" {
		return nil, fmt.Errorf("%w: certificate missing dpyc_protocol claim — Authority may be running an incompatible version", ErrCertificate)
	}
	if _, ok := v.understoodProtocols[claims.DPYCProtocol]; !ok {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrCertificate, claims.DPYCProtocol)
	}

	return &Claims{
		OperatorID:   claims.Subject,
		AmountSats:   claims.AmountSats,
		TaxPaidSats:  claims.TaxPaidSats,
		NetSats:      claims.NetSats,
		JTI:          claims.ID,
		DPYCProtocol: claims.DPYCProtocol,
	}, nil
}
