package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/retry"
)

const (
	requestTimeout        = 10 * time.Second
	retryInitialBackoff   = 500 * time.Millisecond
	retryRateLimitBackoff = 5 * time.Second
)

// Bot wraps the Bot API client.
type Bot struct {
	api    *tgbotapi.BotAPI
	policy retry.Policy
}

var (
	_ domain.Notifier       = (*Bot)(nil)
	_ domain.ChatAuthorizer = (*Bot)(nil)
)

// NewBot connects to the Bot API at endpoint (a format string taking the token
// and the method, like tgbotapi.APIEndpoint) and checks the token with getMe.
func NewBot(token, endpoint string) (*Bot, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: requestTimeout}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bot api: %w", err)
	}
	slog.Info("Telegram bot connected", "username", api.Self.UserName)

	return &Bot{
		api: api,
		policy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   retryInitialBackoff,
			RateLimitBackoff: retryRateLimitBackoff,
		},
	}, nil
}

// Notify sends text to chatID. Rate limits and server errors are retried.
func (b *Bot) Notify(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true

	err := retry.DoVoid(ctx, b.policy, classifyAPIError, func(int) error {
		_, err := b.api.Send(msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// IsChatAdmin reports whether userID is the creator or an administrator of chatID.
func (b *Bot) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	cfg := tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	}

	member, err := retry.Do(ctx, b.policy, classifyAPIError, func(int) (tgbotapi.ChatMember, error) {
		return b.api.GetChatMember(cfg)
	})
	if err != nil {
		var apiErr *tgbotapi.Error
		// the bot cannot see the chat or the user is not in it
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up chat member: %w", err)
	}
	return member.IsCreator() || member.IsAdministrator(), nil
}

func classifyAPIError(err error) retry.Action {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return retry.Retry
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return retry.After
	case apiErr.Code >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}
