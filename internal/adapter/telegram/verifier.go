package telegram

import (
	"fmt"
	"time"

	"github.com/pscheid92/votetally/internal/domain"
	initdata "github.com/telegram-mini-apps/init-data-golang"
)

// Verifier checks initData strings signed with the bot token.
type Verifier struct {
	token  string
	maxAge time.Duration
}

var _ domain.OriginVerifier = (*Verifier)(nil)

// NewVerifier returns a verifier for payloads of the bot identified by token.
// Payloads older than maxAge are rejected; 0 disables the age check.
func NewVerifier(token string, maxAge time.Duration) *Verifier {
	return &Verifier{token: token, maxAge: maxAge}
}

// Verify validates the payload signature and extracts the launching user.
// Mini-apps opened outside a chat context carry no chat, in which case the
// user's private chat (same id as the user) is assumed.
func (v *Verifier) Verify(proof string) (domain.Origin, error) {
	if proof == "" {
		return domain.Origin{}, fmt.Errorf("%w: missing init data", domain.ErrUnauthorized)
	}
	if err := initdata.Validate(proof, v.token, v.maxAge); err != nil {
		return domain.Origin{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	data, err := initdata.Parse(proof)
	if err != nil {
		return domain.Origin{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if data.User.ID == 0 {
		return domain.Origin{}, fmt.Errorf("%w: init data carries no user", domain.ErrUnauthorized)
	}

	origin := domain.Origin{UserID: data.User.ID, ChatID: data.Chat.ID}
	if origin.ChatID == 0 {
		origin.ChatID = origin.UserID
	}
	return origin, nil
}
