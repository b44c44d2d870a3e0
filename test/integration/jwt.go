package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	OrgID     string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer holds an RSA key pair for signing JWTs.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
}

// newTokenIssuer creates a token issuer with a fresh RSA key pair.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	return &tokenIssuer{
		privateKey: key,
		issuer:     "https://auth.test.example.com",
		audience:   "tax-intake-test",
	}
}

// PublicKeyPEM returns the PEM encoding of the verification key, as the
// server reads it from its key environment variable.
func (ti *tokenIssuer) PublicKeyPEM(t *testing.T) string {
	t.Helper()

	der, err := x509.MarshalPKIXPublicKey(&ti.privateKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(claims, time.Now(), time.Hour)
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(claims, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt time.Time, ttl time.Duration) string {
	mapClaims := jwt.MapClaims{
		"iss":    ti.issuer,
		"aud":    ti.audience,
		"iat":    jwt.NewNumericDate(issuedAt),
		"exp":    jwt.NewNumericDate(issuedAt.Add(ttl)),
		"sub":    claims.SubjectID,
		"org_id": claims.OrgID,
		"email":  claims.Email,
	}

	if len(claims.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}

	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
