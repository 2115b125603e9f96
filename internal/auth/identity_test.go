package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTiers map[Identity]Tier

func (s staticTiers) GetTier(_ context.Context, id Identity) (Tier, error) {
	tier, ok := s[id]
	if !ok {
		return "", errors.New("no such user")
	}
	return tier, nil
}

func TestContextResolver(t *testing.T) {
	_, ok := ContextResolver{}.ResolveIdentity(context.Background())
	assert.False(t, ok)

	ctx := WithUser(context.Background(), User{ID: "user-1", FullName: "Ada"})
	user, ok := ContextResolver{}.ResolveIdentity(ctx)
	require.True(t, ok)
	assert.Equal(t, Identity("user-1"), user.ID)
	assert.Equal(t, "Ada", user.FullName)
}

func TestContextResolver_EmptyIDIsUnresolved(t *testing.T) {
	ctx := WithUser(context.Background(), User{})
	_, ok := ContextResolver{}.ResolveIdentity(ctx)
	assert.False(t, ok)
}

func TestRequirePremium(t *testing.T) {
	tiers := staticTiers{"free-user": TierFree, "paid-user": TierPremium}

	_, err := RequirePremium(context.Background(), ContextResolver{}, tiers)
	assert.ErrorIs(t, err, ErrUnauthorized)

	ctx := WithUser(context.Background(), User{ID: "free-user"})
	_, err = RequirePremium(ctx, ContextResolver{}, tiers)
	assert.ErrorIs(t, err, ErrPremiumRequired)

	ctx = WithUser(context.Background(), User{ID: "paid-user"})
	id, err := RequirePremium(ctx, ContextResolver{}, tiers)
	require.NoError(t, err)
	assert.Equal(t, Identity("paid-user"), id)
}
