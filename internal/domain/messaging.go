package domain

import "context"

// Origin is the verified identity behind a platform-signed session payload.
type Origin struct {
	UserID int64
	// ChatID is the chat the mini-app was opened from; for private launches it equals UserID.
	ChatID int64
}

// OriginVerifier validates an opaque origin proof and extracts the caller's identity.
type OriginVerifier interface {
	Verify(proof string) (Origin, error)
}

// Notifier delivers a text message to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// ChatAuthorizer answers whether a user administers a group chat.
type ChatAuthorizer interface {
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// LeaderLock is a lease that lets one instance out of many run a periodic job.
type LeaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
