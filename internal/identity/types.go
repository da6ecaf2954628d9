// Package identity resolves channel senders to canonical users and owns the
// conversation lifecycle, including the one-active-conversation-per-user rule.
package identity

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidArgument marks caller mistakes such as an unknown user id.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrActiveConflict is returned when an insert would leave a user with two
// active conversations. The schema's partial unique index raises it.
var ErrActiveConflict = errors.New("user already has an active conversation")

// User is a canonical identity shared across channels.
type User struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Conversation is a session bound to one agent thread. Title and
// SystemPrompt are empty when unset.
type Conversation struct {
	ID           int64
	UserID       int64
	ThreadID     string
	Title        string
	Model        string
	SystemPrompt string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence contract for identities and conversations.
// Lookups report expected absence through the boolean result; the error is
// reserved for backend failures. Every activation change runs in a single
// transaction, so at most one conversation per user is active regardless of
// how callers interleave.
type Store interface {
	// Resolve looks up the user linked to (channel, channelUID).
	Resolve(ctx context.Context, channel, channelUID string) (User, bool, error)
	// ActiveConversation returns the user's active conversation, if any.
	ActiveConversation(ctx context.Context, userID int64) (Conversation, bool, error)
	// GetOrCreateActiveConversation returns the active conversation or creates one.
	GetOrCreateActiveConversation(ctx context.Context, userID int64, model, systemPrompt string) (Conversation, error)
	// CreateConversation deactivates the current conversation and inserts a new active one.
	CreateConversation(ctx context.Context, userID int64, model, systemPrompt string) (Conversation, error)
	// SwitchConversation activates targetID if userID owns it.
	SwitchConversation(ctx context.Context, userID, targetID int64) (Conversation, bool, error)
	UpdateConversationModel(ctx context.Context, id int64, model string) error
	UpdateConversationTitle(ctx context.Context, id int64, title string) error
	UpdateConversationSystemPrompt(ctx context.Context, id int64, prompt string) error
	// ListConversations returns the user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID int64) ([]Conversation, error)
	// EnsureUser returns the user called name, creating it when missing.
	EnsureUser(ctx context.Context, name string) (User, error)
	// LinkIdentity points (channel, channelUID) at userID, replacing any previous owner.
	LinkIdentity(ctx context.Context, userID int64, channel, channelUID string) error
}
