package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/telemetry"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

// PermanentError marks a store error that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that the coordinator does not retry it
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Coordinator saves conversation snapshots for premium users
type Coordinator struct {
	users auth.IdentityResolver
	tiers auth.TierLookup
	store Store

	attempts int
	backoff  time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithRetryPolicy overrides the number of attempts and the fixed delay between them
func WithRetryPolicy(attempts int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.backoff = backoff
	}
}

// WithTimeout overrides the time allowed for each store transaction
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithClock overrides the clock used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator with three attempts, a 500ms backoff and a 5s transaction timeout
func NewCoordinator(users auth.IdentityResolver, tiers auth.TierLookup, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		users:    users,
		tiers:    tiers,
		store:    store,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Persist saves the current state of conv. It reports whether the state was saved, and never panics
func (c *Coordinator) Persist(ctx context.Context, conv *chat.Conversation) bool {
	return c.PersistSnapshot(ctx, conv.Snapshot())
}

// PersistSnapshot saves snap on behalf of the identity in ctx. Only premium identities are saved. The store write is
// attempted up to the configured number of times
func (c *Coordinator) PersistSnapshot(ctx context.Context, snap chat.Snapshot) (saved bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic while saving conversation", "conversation", snap.ConversationID, "panic", r)
			saved = false
		}
	}()

	user, ok := c.users.ResolveIdentity(ctx)
	if !ok {
		slog.Debug("Not saving conversation: no identity", "conversation", snap.ConversationID)
		return false
	}
	tier, err := c.tiers.GetTier(ctx, user.ID)
	if err != nil {
		slog.Warn("Not saving conversation: tier lookup failed", "conversation", snap.ConversationID, "error", err)
		return false
	}
	if !tier.IsPremium() {
		slog.Debug("Not saving conversation: identity is not premium", "conversation", snap.ConversationID)
		return false
	}

	rec := c.record(user.ID, snap)

	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.attempt(ctx, rec, attempt)
		if err == nil {
			return true
		}
		slog.Warn(fmt.Sprintf("Error saving conversation (attempt %d)", attempt),
			"conversation", snap.ConversationID, "error", err)

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			slog.Error("Failed to save conversation", "conversation", snap.ConversationID, "error", err)
			return false
		}

		if attempt < c.attempts && c.backoff > 0 {
			select {
			case <-ctx.Done():
				slog.Warn("Gave up saving conversation", "conversation", snap.ConversationID, "error", ctx.Err())
				return false
			case <-time.After(c.backoff):
			}
		}
	}

	slog.Error("Failed to save conversation", "conversation", snap.ConversationID, "attempts", c.attempts)
	return false
}

func (c *Coordinator) attempt(ctx context.Context, rec Record, attempt int) error {
	ctx, span := telemetry.Tracer().Start(ctx, "persist.attempt", trace.WithAttributes(
		attribute.String("conversation.id", rec.ID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.store.UpsertConversation(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return err
	}
	return nil
}

func (c *Coordinator) record(owner auth.Identity, snap chat.Snapshot) Record {
	now := c.now().UTC()
	rec := Record{
		ID:        snap.ConversationID,
		Owner:     owner,
		Title:     Title(snap.Messages),
		Messages:  make([]StoredMessage, 0, len(snap.Messages)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range snap.Messages {
		stored, err := SerializeMessage(m)
		if err != nil {
			slog.Warn("Storing placeholder for message", "conversation", snap.ConversationID, "message", m.ID, "error", err)
		}
		rec.Messages = append(rec.Messages, stored)
	}
	return rec
}
