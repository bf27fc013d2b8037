package domain

import "context"

// Store is the persistence contract shared by the relational and the key-value backend.
// Both implementations must enforce write-once voter keys and audit entries and apply
// aggregate deltas atomically; the app layer holds no locks of its own.
type Store interface {
	OrgStore
	PollStore
	TallyStore

	Ping(ctx context.Context) error
}
