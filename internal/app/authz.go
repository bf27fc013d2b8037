package app

import (
	"context"
	"fmt"

	"github.com/pscheid92/votetally/internal/domain"
)

// authorize lets actor mutate org when the org belongs to the actor's
// private chat or the actor administers the owning group chat.
func authorize(ctx context.Context, admins domain.ChatAuthorizer, actor domain.Origin, org *domain.Organization) error {
	if org.ChatID == actor.UserID {
		return nil
	}
	// positive chat ids are private chats, which only their user owns
	if org.ChatID > 0 || admins == nil {
		return domain.ErrUnauthorized
	}

	ok, err := admins.IsChatAdmin(ctx, org.ChatID, actor.UserID)
	if err != nil {
		return fmt.Errorf("failed to check chat admin: %w", err)
	}
	if !ok {
		return domain.ErrUnauthorized
	}
	return nil
}
