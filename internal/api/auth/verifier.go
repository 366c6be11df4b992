package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors.
var (
	// ErrInvalidToken is returned when a token fails signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingSubject is returned when a valid token carries no subject.
	ErrMissingSubject = errors.New("token has no subject")
)

// VerifierConfig configures token verification.
type VerifierConfig struct {
	// Issuer is the expected token issuer, e.g. "https://auth.example.com/".
	// The JWKS URL is derived from it unless JWKSURL is set.
	Issuer string

	// JWKSURL overrides the derived "{issuer}/.well-known/jwks.json".
	JWKSURL string

	// Audiences is the list of acceptable audience values. A token is
	// accepted when any of its audiences matches any configured value.
	Audiences []string

	// AuthorizedParties restricts the azp claim on multi-audience tokens.
	// When empty, the azp must match one of the configured audiences.
	AuthorizedParties []string

	// Leeway tolerates clock skew when checking exp and nbf.
	Leeway time.Duration

	// HTTPClient is used for JWKS fetches.
	HTTPClient *http.Client

	// RefreshInterval rate limits JWKS refreshes on unknown key ids.
	RefreshInterval time.Duration
}

// Verifier validates RS256 access tokens against a JWKS key set.
type Verifier struct {
	cfg    VerifierConfig
	keys   *KeySet
	parser *jwt.Parser
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, fmt.Errorf("at least one audience is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	)

	return &Verifier{
		cfg:    cfg,
		keys:   NewKeySet(jwksURL, cfg.HTTPClient, cfg.RefreshInterval),
		parser: parser,
	}, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing key id", ErrInvalidToken)
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if err := v.checkAudience(claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}

// checkAudience accepts the token when any token audience matches any
// configured audience. A token minted for multiple audiences must carry
// an azp naming the client it was issued to; without one there is no way
// to tell a token for this service from one replayed off another.
func (v *Verifier) checkAudience(claims *Claims) error {
	matched := false
	for _, aud := range claims.Audience {
		for _, want := range v.cfg.Audiences {
			if aud == want {
				matched = true
				break
			}
		}
	}
	if !matched {
		return fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	if len(claims.Audience) > 1 {
		if claims.AuthorizedParty == "" {
			return fmt.Errorf("%w: multi-audience token missing azp", ErrInvalidToken)
		}
		allowed := v.cfg.AuthorizedParties
		if len(allowed) == 0 {
			allowed = v.cfg.Audiences
		}
		azpOK := false
		for _, azp := range allowed {
			if claims.AuthorizedParty == azp {
				azpOK = true
				break
			}
		}
		if !azpOK {
			return fmt.Errorf("%w: authorized party mismatch", ErrInvalidToken)
		}
	}

	return nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns an empty string when the header is absent or malformed.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
