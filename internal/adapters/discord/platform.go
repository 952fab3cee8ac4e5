package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"noteticket-bot/internal/adapters/textsplit"
	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

// pageSize — максимум сообщений в одном запросе к Discord.
const pageSize = 100

// api — часть discordgo.Session, которая нужна адаптеру.
type api interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Platform читает сообщения каналов и публикует уведомления через Discord REST API.
type Platform struct {
	api api
}

var (
	_ domain.MessageSource    = (*Platform)(nil)
	_ domain.NotificationSink = (*Platform)(nil)
)

// NewSession создаёт сессию бота без подключения к gateway.
func NewSession(token string) (*discordgo.Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("discord: пустой токен")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	session.Client = &http.Client{Timeout: 20 * time.Second}
	return session, nil
}

// NewPlatform создаёт адаптер поверх сессии.
func NewPlatform(session api) *Platform {
	return &Platform{api: session}
}

// FetchRecentMessages возвращает до limit последних сообщений от старых к новым.
func (p *Platform) FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = pageSize
	}
	var (
		raw    []*discordgo.Message
		before string
	)
	for len(raw) < limit {
		page := min(pageSize, limit-len(raw))
		start := time.Now()
		batch, err := p.api.ChannelMessages(channelID, page, before, "", "", discordgo.WithContext(ctx))
		metrics.ObserveNetworkRequest("discord", "channel_messages", "channels", start, err)
		if err != nil {
			return nil, mapError(err)
		}
		raw = append(raw, batch...)
		if len(batch) < page {
			break
		}
		before = batch[len(batch)-1].ID
	}

	out := make([]domain.Message, 0, len(raw))
	for _, m := range raw {
		if m == nil {
			continue
		}
		out = append(out, toDomain(m, channelID))
	}
	// Discord отдаёт от новых к старым.
	slices.Reverse(out)
	return out, nil
}

// ChannelName возвращает имя канала.
func (p *Platform) ChannelName(ctx context.Context, channelID string) (string, error) {
	start := time.Now()
	ch, err := p.api.Channel(channelID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "channel", "channels", start, err)
	if err != nil {
		return "", mapError(err)
	}
	return ch.Name, nil
}

// PostNotification публикует текст, разбивая его по лимиту Discord.
func (p *Platform) PostNotification(ctx context.Context, channelID, content string) error {
	for _, part := range textsplit.Split(content, textsplit.DiscordLimit) {
		start := time.Now()
		_, err := p.api.ChannelMessageSend(channelID, part, discordgo.WithContext(ctx))
		metrics.ObserveNetworkRequest("discord", "message_send", "channels", start, err)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func toDomain(m *discordgo.Message, channelID string) domain.Message {
	msg := domain.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if msg.ChannelID == "" {
		msg.ChannelID = channelID
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
	}
	return msg
}

// mapError переводит 403/404 в domain.ErrChannelUnavailable.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return fmt.Errorf("discord: %w: %v", domain.ErrChannelUnavailable, err)
		}
	}
	return fmt.Errorf("discord: %w", err)
}
