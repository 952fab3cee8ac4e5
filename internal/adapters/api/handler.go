package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"noteticket-bot/internal/domain"
	httpinfra "noteticket-bot/internal/infra/http"
	"noteticket-bot/internal/usecase/sweep"
)

const maxBodyBytes = 4 << 20

// Sweeper запускает проходы.
type Sweeper interface {
	Trigger(ctx context.Context, req sweep.TriggerRequest) (sweep.SweepResult, error)
	SweepChannel(ctx context.Context, guildID, channelID string, messages []domain.Message, source domain.SourceType, actor string) (sweep.ChannelResult, error)
}

// Reporter отдаёт состояние и историю проходов.
type Reporter interface {
	Status(ctx context.Context, guildID string) (sweep.GuildStatus, error)
	History(ctx context.Context, guildID string, limit, offset int) (sweep.HistoryPage, error)
	HistoryRecord(ctx context.Context, guildID, sweepID string) (domain.SweepHistoryRecord, error)
}

// Handler обслуживает HTTP API проходов.
type Handler struct {
	sweeper  Sweeper
	reporter Reporter
	log      zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(sweeper Sweeper, reporter Reporter, logger zerolog.Logger) *Handler {
	return &Handler{sweeper: sweeper, reporter: reporter, log: logger}
}

// Routes регистрирует маршруты /sweep на роутере.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sweep/{guildId}", func(r chi.Router) {
		r.Post("/trigger", h.trigger)
		r.Post("/channels/{channelId}", h.sweepChannel)
		r.Get("/status", h.status)
		r.Get("/history", h.history)
		r.Get("/history/{sweepId}", h.historyRecord)
	})
}

type authorInput struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type messageInput struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Author    *authorInput `json:"author"`
	CreatedAt *time.Time   `json:"createdAt"`
}

func (m messageInput) toDomain(guildID, channelID string) domain.Message {
	msg := domain.Message{ID: m.ID, GuildID: guildID, ChannelID: channelID, Content: m.Content}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
	}
	if m.CreatedAt != nil {
		msg.CreatedAt = *m.CreatedAt
	}
	return msg
}

func convertMessages(in []messageInput, guildID, channelID string) ([]domain.Message, error) {
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.ID) == "" {
			return nil, errors.New("message id is required")
		}
		out = append(out, m.toDomain(guildID, channelID))
	}
	return out, nil
}

type triggerRequest struct {
	ChannelIDs []string                  `json:"channelIds"`
	Force      bool                      `json:"force"`
	Messages   map[string][]messageInput `json:"messages"`
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	var body triggerRequest
	if err := decodeOptional(r, &body); err != nil {
		httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}
	var supplied map[string][]domain.Message
	if len(body.Messages) > 0 {
		supplied = make(map[string][]domain.Message, len(body.Messages))
		for channelID, msgs := range body.Messages {
			converted, err := convertMessages(msgs, guildID, channelID)
			if err != nil {
				httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
				return
			}
			supplied[channelID] = converted
		}
	}

	result, err := h.sweeper.Trigger(r.Context(), sweep.TriggerRequest{
		GuildID:    guildID,
		ChannelIDs: body.ChannelIDs,
		Force:      body.Force,
		Messages:   supplied,
		Actor:      httpinfra.ClientIdentifier(r),
	})
	if err != nil {
		h.writeSweepError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, result)
}

type channelSweepRequest struct {
	Messages  []messageInput `json:"messages"`
	SweepType string         `json:"sweepType"`
}

type actionItemView struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Priority   string  `json:"priority"`
	Category   string  `json:"category"`
	Status     string  `json:"status"`
	AssignedTo *string `json:"assigned_to"`
}

func (h *Handler) sweepChannel(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	channelID := chi.URLParam(r, "channelId")
	var body channelSweepRequest
	if err := decodeOptional(r, &body); err != nil {
		httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}
	if body.Messages == nil {
		httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Messages array is required")
		return
	}
	messages, err := convertMessages(body.Messages, guildID, channelID)
	if err != nil {
		httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	source := domain.SourceManual
	if domain.SourceType(body.SweepType) == domain.SourceScheduled {
		source = domain.SourceScheduled
	}

	res, err := h.sweeper.SweepChannel(r.Context(), guildID, channelID, messages, source, httpinfra.ClientIdentifier(r))
	if err != nil {
		if errors.Is(err, domain.ErrGuildNotFound) || errors.Is(err, sweep.ErrSweepDisabled) {
			httpinfra.WriteError(w, r, http.StatusNotFound, "GUILD_NOT_FOUND", "Guild not found or inactive")
			return
		}
		h.writeSweepError(w, r, err)
		return
	}
	items := make([]actionItemView, 0, len(res.ActionItems))
	for _, item := range res.ActionItems {
		items = append(items, actionItemView{
			ID:         item.ID,
			Text:       item.Text,
			Priority:   string(item.Priority),
			Category:   string(item.Category),
			Status:     string(item.Status),
			AssignedTo: item.AssignedTo,
		})
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{
		"message":          "Channel sweep completed",
		"processed":        res.MessagesProcessed,
		"actionItemsFound": len(items),
		"actionItems":      items,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.reporter.Status(r.Context(), chi.URLParam(r, "guildId"))
	if err != nil {
		h.writeSweepError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, status)
}

type historyView struct {
	ID                string    `json:"id"`
	TriggeredAt       time.Time `json:"triggeredAt"`
	ChannelsProcessed int       `json:"channelsProcessed"`
	MessagesProcessed int       `json:"messagesProcessed"`
	ActionItemsFound  int       `json:"actionItemsFound"`
	Status            string    `json:"status"`
	DurationSeconds   int       `json:"durationSeconds"`
	Cause             string    `json:"cause"`
}

func toHistoryView(r domain.SweepHistoryRecord) historyView {
	return historyView{
		ID:                r.ID,
		TriggeredAt:       r.TriggeredAt,
		ChannelsProcessed: r.ChannelsProcessed,
		MessagesProcessed: r.MessagesProcessed,
		ActionItemsFound:  r.ActionItemsFound,
		Status:            string(r.Status),
		DurationSeconds:   r.DurationSeconds,
		Cause:             string(r.Cause),
	}
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		httpinfra.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "offset must be an integer")
		return
	}
	page, err := h.reporter.History(r.Context(), chi.URLParam(r, "guildId"), limit, offset)
	if err != nil {
		h.writeSweepError(w, r, err)
		return
	}
	views := make([]historyView, 0, len(page.Records))
	for _, rec := range page.Records {
		views = append(views, toHistoryView(rec))
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{
		"history": views,
		"pagination": map[string]any{
			"total":   page.Total,
			"limit":   page.Limit,
			"offset":  page.Offset,
			"hasMore": page.Offset+len(views) < page.Total,
		},
	})
}

func (h *Handler) historyRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reporter.HistoryRecord(r.Context(), chi.URLParam(r, "guildId"), chi.URLParam(r, "sweepId"))
	if err != nil {
		h.writeSweepError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toHistoryView(rec))
}

func (h *Handler) writeSweepError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrGuildNotFound):
		httpinfra.WriteError(w, r, http.StatusNotFound, "GUILD_NOT_FOUND", "Guild not found")
	case errors.Is(err, domain.ErrSweepNotFound):
		httpinfra.WriteError(w, r, http.StatusNotFound, "SWEEP_NOT_FOUND", "Sweep not found")
	case errors.Is(err, sweep.ErrSweepDisabled):
		httpinfra.WriteError(w, r, http.StatusBadRequest, "SWEEP_DISABLED", "Sweep is disabled for this guild")
	case errors.Is(err, sweep.ErrNoChannels):
		httpinfra.WriteError(w, r, http.StatusBadRequest, "NO_CHANNELS", "No channels configured for sweep")
	case errors.Is(err, sweep.ErrSweepInProgress):
		httpinfra.WriteError(w, r, http.StatusConflict, "SWEEP_IN_PROGRESS", "Sweep is already running for this guild")
	default:
		h.log.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Msg("api: ошибка прохода")
		httpinfra.WriteError(w, r, http.StatusInternalServerError, "SWEEP_ERROR", "Sweep failed")
	}
}

// decodeOptional разбирает JSON тела. Пустое тело допустимо.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
