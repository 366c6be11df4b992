// Package auth provides JWT verification for the control plane API.
// Tokens are minted by an external identity provider and verified against
// its published JWKS; the control plane never issues tokens itself.
package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the verified identity carried by an access token.
//
// The subject is the platform user id. Audience and authorized party are
// validated during verification; handlers only see the subject and the
// optional scope list.
type Claims struct {
	jwt.RegisteredClaims

	// AuthorizedParty is the OAuth client the token was issued to.
	AuthorizedParty string `json:"azp,omitempty"`

	// Scope is the space-separated OAuth scope string.
	Scope string `json:"scope,omitempty"`

	// Permissions is the explicit permission list, when the identity
	// provider is configured to embed one.
	Permissions []string `json:"permissions,omitempty"`
}

// UserID returns the platform user id (the token subject).
func (c *Claims) UserID() string {
	return c.Subject
}

// HasPermission returns true if the token carries the given permission.
func (c *Claims) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}
