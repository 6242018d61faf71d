package chat

import "context"

// Gateway is the REST surface of the chat platform consumed by the
// notification components. Implementations must be safe for concurrent use.
type Gateway interface {
	// ResolveUserByUsername looks a user up by display handle.
	// Returns ErrNotFound when no such user exists.
	ResolveUserByUsername(ctx context.Context, username string) (User, error)

	// BotIdentity returns the account the configured credential belongs to.
	BotIdentity(ctx context.Context) (User, error)

	// IsChannelMember reports whether userID is a member of channelID.
	IsChannelMember(ctx context.Context, channelID, userID string) (bool, error)

	// AddChannelMember adds userID to channelID.
	AddChannelMember(ctx context.Context, channelID, userID string) error

	// GetOrCreateDirectChannel returns the direct channel between two users,
	// creating it if it does not exist yet.
	GetOrCreateDirectChannel(ctx context.Context, userA, userB string) (Channel, error)

	// CreatePost posts a message to a channel and returns the created post.
	CreatePost(ctx context.Context, channelID, message string) (Post, error)
}
