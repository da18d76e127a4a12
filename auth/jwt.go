// Package auth resolves the calling actor from an HS256 bearer token.
// Tokens are issued upstream; Issuer exists for development and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/wallet-ledger/ledger"
)

type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorMerchant ActorType = "merchant"
	ActorAdmin    ActorType = "admin"
)

func (t ActorType) Valid() bool {
	return t == ActorUser || t == ActorMerchant || t == ActorAdmin
}

type Actor struct {
	ID   string
	Type ActorType
}

func (a Actor) UserID() ledger.UserID { return ledger.UserID(a.ID) }

type claims struct {
	ActorType ActorType `json:"actor_type"`
	jwt.RegisteredClaims
}

type contextKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

// =============================================================================
// VERIFIER
// =============================================================================

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ParseActor validates the token and returns its subject and actor type.
// Every failure wraps ledger.ErrUnauthorized.
func (v *Verifier) ParseActor(token string) (Actor, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, fmt.Errorf("%w: invalid token", ledger.ErrUnauthorized)
	}
	if c.Subject == "" || !c.ActorType.Valid() {
		return Actor{}, fmt.Errorf("%w: missing actor claims", ledger.ErrUnauthorized)
	}
	return Actor{ID: c.Subject, Type: c.ActorType}, nil
}

// FromRequest reads the Authorization: Bearer header.
func (v *Verifier) FromRequest(r *http.Request) (Actor, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return Actor{}, fmt.Errorf("%w: missing bearer token", ledger.ErrUnauthorized)
	}
	return v.ParseActor(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
}

// Require returns ErrForbidden unless the actor has one of the given types.
func Require(a Actor, allowed ...ActorType) error {
	for _, t := range allowed {
		if a.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not call this endpoint", ledger.ErrForbidden, a.Type)
}

// =============================================================================
// ISSUER
// =============================================================================

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(a Actor) (string, error) {
	if a.ID == "" || !a.Type.Valid() {
		return "", errors.New("actor needs an id and a known type")
	}
	now := i.now()
	c := claims{
		ActorType: a.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
}
