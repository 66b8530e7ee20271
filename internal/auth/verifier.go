// Package auth resolves request credentials to stable user identities. A
// credential is an HS256-signed JWT minted by the login flow; verification
// maps it to the wallet address and role it carries. Authorization decisions
// beyond the role claim are the caller's concern.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in token claims.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrInvalidToken is returned for tokens that fail to parse or verify.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the stable identity a verified credential resolves to.
type Identity struct {
	Address string // wallet address (the login subject)
	Role    string // RoleUser or RoleAdmin
}

// IsAdmin reports whether the identity may perform user-management
// operations.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

type claims struct {
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates identity tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token and returns the identity it carries.
// The address comes from the "address" claim, falling back to the last
// segment of a CAIP-style subject ("eip155:<chain>:<address>"). Tokens
// without a role claim get RoleUser.
func (v *Verifier) Verify(token string) (*Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	address := c.Address
	if address == "" {
		parts := strings.Split(c.Subject, ":")
		address = parts[len(parts)-1]
	}
	if address == "" {
		return nil, fmt.Errorf("%w: no address claim", ErrInvalidToken)
	}

	role := c.Role
	if role == "" {
		role = RoleUser
	}

	return &Identity{Address: address, Role: role}, nil
}

// Issue mints a token for the given identity, valid for ttl. It exists for
// the login flow and for tests.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Address: identity.Address,
		Role:    identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
