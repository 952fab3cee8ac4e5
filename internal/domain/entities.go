package domain

import (
	"errors"
	"strings"
	"time"
)

// Message описывает сообщение канала, полученное с платформы.
// Ядро держит только временные копии на время прохода.
type Message struct {
	ID         string
	ChannelID  string
	GuildID    string
	AuthorName string
	AuthorID   string
	Content    string
	CreatedAt  time.Time
}

// ProcessedMessageMark фиксирует, что сообщение уже рассматривалось в режиме приватности.
type ProcessedMessageMark struct {
	MessageID        string
	ChannelID        string
	GuildID          string
	ActionItemsFound bool
	ProcessedAt      time.Time
}

// Priority задаёт срочность задачи.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Category задаёт тип задачи.
type Category string

const (
	CategoryMeeting Category = "meeting"
	CategoryProject Category = "project"
	CategoryGeneral Category = "general"
	CategoryUrgent  Category = "urgent"
)

// ItemStatus описывает состояние задачи. Меняется внешним CRUD.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusArchived   ItemStatus = "archived"
)

var (
	ErrInvalidPriority = errors.New("недопустимый приоритет")
	ErrInvalidCategory = errors.New("недопустимая категория")
	ErrInvalidStatus   = errors.New("недопустимый статус")
	ErrEmptyItemText   = errors.New("пустой текст задачи")
)

// ParsePriority приводит строку к Priority.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	}
	return "", ErrInvalidPriority
}

// ParseCategory приводит строку к Category.
func ParseCategory(raw string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(raw))); c {
	case CategoryMeeting, CategoryProject, CategoryGeneral, CategoryUrgent:
		return c, nil
	}
	return "", ErrInvalidCategory
}

// ParseStatus приводит строку к ItemStatus.
func ParseStatus(raw string) (ItemStatus, error) {
	switch s := ItemStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusArchived:
		return s, nil
	}
	return "", ErrInvalidStatus
}

// SourceType указывает, каким проходом была найдена задача.
type SourceType string

const (
	SourceScheduled SourceType = "scheduled"
	SourceManual    SourceType = "manual"
)

// ActionItem описывает одну извлечённую задачу.
type ActionItem struct {
	ID         string
	BatchID    string
	GuildID    string
	ChannelID  string
	Summary    string
	Text       string
	Priority   Priority
	Category   Category
	Status     ItemStatus
	AssignedTo *string
	SourceType SourceType
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate проверяет поля перед записью.
func (a ActionItem) Validate() error {
	if strings.TrimSpace(a.Text) == "" {
		return ErrEmptyItemText
	}
	if _, err := ParsePriority(string(a.Priority)); err != nil {
		return err
	}
	if _, err := ParseCategory(string(a.Category)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(a.Status)); err != nil {
		return err
	}
	return nil
}

// ActionGroup объединяет задачи одного батча под общим идентификатором.
type ActionGroup struct {
	BatchID    string
	GuildID    string
	ChannelID  string
	Summary    string
	SourceType SourceType
	Items      []ActionItem
}

// Extraction — нормализованный ответ модели по одному батчу.
type Extraction struct {
	Summary string
	Items   []ActionItem
}

// RateLimitEvent фиксирует входящий запрос для ограничителя.
type RateLimitEvent struct {
	Identifier  string
	RequestedAt time.Time
}

// SweepConfig — настройки прохода гильдии. Перечитываются на каждом запуске.
type SweepConfig struct {
	GuildID            string
	Active             bool
	ChannelsToMonitor  []string
	SweepIntervalHours int
	PrivacyModeEnabled bool
	TodoChannelID      *string
	LastSweepTime      *time.Time
}

// Interval возвращает окно отбора сообщений для планового прохода.
func (c SweepConfig) Interval() time.Duration {
	hours := c.SweepIntervalHours
	if hours <= 0 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

// SweepStatus — итоговый статус прохода.
type SweepStatus string

const (
	SweepCompleted SweepStatus = "completed"
)

// SweepHistoryRecord — запись об одном проходе по гильдии.
type SweepHistoryRecord struct {
	ID                string
	GuildID           string
	TriggeredAt       time.Time
	ChannelsProcessed int
	MessagesProcessed int
	ActionItemsFound  int
	Status            SweepStatus
	DurationSeconds   int
	Cause             SourceType
}
