package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"noteticket-bot/internal/adapters/textsplit"
	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Mirror дублирует уведомления о задачах в чат Telegram.
// Идентификатор канала Discord игнорируется: чат задаётся при создании.
type Mirror struct {
	bot    sender
	chatID int64
}

var _ domain.NotificationSink = (*Mirror)(nil)

// NewBot создаёт клиента Bot API.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("telegram: пустой токен")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return bot, nil
}

// NewMirror создаёт зеркало в указанный чат.
func NewMirror(bot sender, chatID int64) *Mirror {
	return &Mirror{bot: bot, chatID: chatID}
}

// PostNotification отправляет текст частями по лимиту Telegram.
func (m *Mirror) PostNotification(ctx context.Context, _ string, content string) error {
	for _, part := range textsplit.Split(content, textsplit.TelegramLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(m.chatID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := m.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	return nil
}
