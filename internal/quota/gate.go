// Package quota limits how many messages a free identity may send.
package quota

import (
	"context"
	"log/slog"

	"github.com/cchalm/stockchat/internal/auth"
)

// DefaultLimit is the number of messages a free identity may send
const DefaultLimit = 3

// Counter keeps a per-identity message count. IncrementAndGet must be atomic: concurrent calls for one identity each
// observe a distinct value
type Counter interface {
	IncrementAndGet(ctx context.Context, id auth.Identity) (int, error)
}

// Gate decides whether an identity may send another message
type Gate struct {
	tiers   auth.TierLookup
	counter Counter
	limit   int
}

// NewGate creates a gate allowing limit messages per free identity. A negative limit uses DefaultLimit
func NewGate(tiers auth.TierLookup, counter Counter, limit int) *Gate {
	if limit < 0 {
		limit = DefaultLimit
	}
	return &Gate{tiers: tiers, counter: counter, limit: limit}
}

// Limit returns the number of messages a free identity may send
func (g *Gate) Limit() int {
	return g.limit
}

// Authorize reports whether id may send a message. Premium identities are always allowed and not counted. For others
// the counter is incremented, even when the answer is no, and the message is allowed while the count is within the
// limit. Any lookup or counter failure denies the message
func (g *Gate) Authorize(ctx context.Context, id auth.Identity) bool {
	tier, err := g.tiers.GetTier(ctx, id)
	if err != nil {
		slog.Warn("Denying message: tier lookup failed", "identity", id, "error", err)
		return false
	}
	if tier.IsPremium() {
		return true
	}

	count, err := g.counter.IncrementAndGet(ctx, id)
	if err != nil {
		slog.Warn("Denying message: counter increment failed", "identity", id, "error", err)
		return false
	}
	if count > g.limit {
		slog.Info("Denying message: free limit reached", "identity", id, "count", count, "limit", g.limit)
		return false
	}
	return true
}
