package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}
	pemStr := string(pem.EncodeToMemory(block))
	return pub, priv, pemStr
}

func signTestCertificate(t *testing.T, priv ed25519.PrivateKey, mutate func(*jwtClaims)) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		AmountSats:   10000,
		TaxPaidSats:  500,
		NetSats:      9500,
		DPYCProtocol: "dpyp-01-base-certificate",
	}
	if mutate != nil {
		mutate(&claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestVerifyValidCertificate(t *testing.T) {
	_, priv, pemStr := generateTestKeyPair(t)
	v, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, nil)
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.OperatorID)
	assert.Equal(t, int64(10000), claims.AmountSats)
	assert.Equal(t, "jti-1", claims.JTI)
}

func TestVerifyAcceptsBareBase64PublicKey(t *testing.T) {
	pub, priv, pemStr := generateTestKeyPair(t)
	_ = pub

	block, _ := pem.Decode([]byte(pemStr))
	bareB64 := base64.StdEncoding.EncodeToString(block.Bytes)

	v, err := NewVerifier(bareB64)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, nil)
	_, err = v.Verify(token)
	require.NoError(t, err)
}

func TestVerifyRejectsReplay(t *testing.T) {
	_, priv, pemStr := generateTestKeyPair(t)
	v, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, nil)
	_, err = v.Verify(token)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCertificate)
}

func TestVerifyRejectsExpiredCertificate(t *testing.T) {
	_, priv, pemStr := generateTestKeyPair(t)
	v, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, func(c *jwtClaims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	})
	_, err = v.Verify(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCertificate)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	_, _, pemStr := generateTestKeyPair(t)
	_, otherPriv, _ := generateTestKeyPair(t)

	v, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, otherPriv, nil)
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsMissingProtocol(t *testing.T) {
	_, priv, pemStr := generateTestKeyPair(t)
	v, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, func(c *jwtClaims) {
		c.DPYCProtocol = ""
	})
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsUnsupportedProtocol(t *testing.T) {
	_, priv, pemStr := generateTestKeyPair(t)
	v, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, func(c *jwtClaims) {
		c.DPYCProtocol = "dpyp-99-future"
	})
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestTwoVerifiersHaveIndependentReplayState(t *testing.T) {
	_, priv, pemStr := generateTestKeyPair(t)
	v1, err := NewVerifier(pemStr)
	require.NoError(t, err)
	v2, err := NewVerifier(pemStr)
	require.NoError(t, err)

	token := signTestCertificate(t, priv, nil)
	_, err = v1.Verify(token)
	require.NoError(t, err)

	// v2 has its own TokenStore, so the same jti is not a replay there.
	_, err = v2.Verify(token)
	require.NoError(t, err)
}

func TestKeyFingerprint(t *testing.T) {
	assert.Equal(t, "ABCDEFGH", KeyFingerprint("xyzABCDEFGH"))
	assert.Equal(t, "ab", KeyFingerprint("ab"))
}

func TestNormalizePublicKeyPassesThroughPEM(t *testing.T) {
	pemStr := "-----BEGIN PUBLIC KEY-----\nABC\n-----END PUBLIC KEY-----"
	assert.Equal(t, pemStr, NormalizePublicKey(pemStr))
}

func TestNormalizePublicKeyWrapsBareBase64(t *testing.T) {
	got := NormalizePublicKey("ABC123")
	assert.Contains(t, got, "-----BEGIN PUBLIC KEY-----")
	assert.Contains(t, got, "ABC123")
}
