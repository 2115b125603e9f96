// Package auth resolves the identity behind a request and the subscription tier that identity holds.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned when an operation requires an identity and none could be resolved
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPremiumRequired is returned when an operation is restricted to premium identities
	ErrPremiumRequired = errors.New("premium subscription required")
)

// Identity is an opaque user identifier
type Identity string

// User carries the identity plus optional display attributes
type User struct {
	ID       Identity
	FullName string
}

// Tier is a subscription level
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// IsPremium reports whether the tier is elevated
func (t Tier) IsPremium() bool {
	return t == TierPremium
}

// IdentityResolver finds the identity behind the ambient request context
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context) (User, bool)
}

// TierLookup returns the subscription tier of an identity
type TierLookup interface {
	GetTier(ctx context.Context, id Identity) (Tier, error)
}

type userKey struct{}

// WithUser returns a context carrying the given user
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// ContextResolver resolves identities attached to the context with WithUser
type ContextResolver struct{}

func (ContextResolver) ResolveIdentity(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userKey{}).(User)
	if !ok || user.ID == "" {
		return User{}, false
	}
	return user, true
}

// RequirePremium resolves the identity from ctx and checks that it is premium
func RequirePremium(ctx context.Context, resolver IdentityResolver, tiers TierLookup) (Identity, error) {
	user, ok := resolver.ResolveIdentity(ctx)
	if !ok {
		return "", ErrUnauthorized
	}
	tier, err := tiers.GetTier(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if !tier.IsPremium() {
		return "", ErrPremiumRequired
	}
	return user.ID, nil
}
