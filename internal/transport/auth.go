package transport

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/taxintake/internal/config"
	"github.com/pitabwire/taxintake/model"
)

// LoadVerificationKey reads the token verification key from the environment
// variable named by cfg.KeyEnv. HS* algorithms take the raw value as a
// shared secret; RS*, PS* and ES* take a PEM-encoded public key. All
// configured algorithms must belong to one family.
func LoadVerificationKey(cfg config.IdentityConfig) (any, error) {
	raw := os.Getenv(cfg.KeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("identity: environment variable %s is empty", cfg.KeyEnv)
	}
	if len(cfg.Algorithms) == 0 {
		return nil, fmt.Errorf("identity: no algorithms configured")
	}

	family := algorithmFamily(cfg.Algorithms[0])
	for _, alg := range cfg.Algorithms[1:] {
		if algorithmFamily(alg) != family {
			return nil, fmt.Errorf("identity: algorithms %v mix key types", cfg.Algorithms)
		}
	}

	switch family {
	case "HS":
		return []byte(raw), nil
	case "RS", "PS":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("identity: parse RSA public key: %w", err)
		}
		return key, nil
	case "ES":
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("identity: parse EC public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("identity: unsupported algorithm %q", cfg.Algorithms[0])
	}
}

func algorithmFamily(alg string) string {
	if len(alg) < 2 {
		return ""
	}
	return strings.ToUpper(alg[:2])
}

// JWTAuthenticator returns middleware that verifies JWT tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, key any) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr := auth[7:]

			token, err := parser.Parse(tokenStr, keyFunc)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
