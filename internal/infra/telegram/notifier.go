// internal/infra/telegram/notifier.go
package telegram

import (
	"fmt"

	"gopkg.in/telebot.v3"
)

// Notifier posts run summaries to an admin chat using the
// gopkg.in/telebot.v3 library. It is send-only; no poller is started.
type Notifier struct {
	bot    *telebot.Bot
	chatID int64
}

// NewNotifier creates a notifier for the given bot token and admin chat.
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	bot, err := telebot.NewBot(telebot.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// NotifyRunSummary sends a plain-text run summary to the admin chat.
func (n *Notifier) NotifyRunSummary(summary string) error {
	_, err := n.bot.Send(&telebot.User{ID: n.chatID}, summary)
	return err
}
