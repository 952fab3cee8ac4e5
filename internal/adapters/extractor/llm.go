package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"noteticket-bot/internal/domain"
)

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// LLMExtractor извлекает задачи из переписки через Chat Completions.
type LLMExtractor struct {
	client  chatCompletionClient
	model   string
	timeout time.Duration
}

var _ domain.Extractor = (*LLMExtractor)(nil)

// NewLLM создаёт извлекатель. timeout ограничивает один вызов модели.
func NewLLM(client chatCompletionClient, model string, timeout time.Duration) *LLMExtractor {
	if model == "" {
		model = goopenai.GPT4o
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMExtractor{client: client, model: model, timeout: timeout}
}

const promptTemplate = `
Analyze the following conversation and extract any action items, tasks, or to-dos mentioned.
Focus on identifying specific tasks, deadlines, assignments, or actionable items.

Conversation:
%s

Return a JSON object {"summary": "...", "action_items": [...]}. Each action item should be an object with:
- "text": The action item description
- "priority": "low", "medium", or "high" based on urgency
- "category": "meeting", "project", "general", or "urgent"
- "assigned_to": Username if mentioned, otherwise null

If no action items are found, return an empty "action_items" array.
`

type llmItem struct {
	Text       string `json:"text"`
	Priority   string `json:"priority"`
	Category   string `json:"category"`
	AssignedTo any    `json:"assigned_to"`
}

type llmResponse struct {
	Summary     string    `json:"summary"`
	ActionItems []llmItem `json:"action_items"`
	Items       []llmItem `json:"items"`
}

// Extract отправляет один запрос на транскрипт батча.
// Неразобранный ответ возвращается как domain.ErrMalformedOutput.
func (e *LLMExtractor) Extract(ctx context.Context, transcript string) (domain.Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := goopenai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.3,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: fmt.Sprintf(promptTemplate, transcript)},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Extraction{}, fmt.Errorf("openai completion: пустой ответ: %w", domain.ErrMalformedOutput)
	}
	return Parse(resp.Choices[0].Message.Content)
}

// Parse разбирает ответ модели и приводит задачи к допустимым значениям.
func Parse(content string) (domain.Extraction, error) {
	content = stripCodeFence(strings.TrimSpace(content))
	if content == "" {
		return domain.Extraction{}, fmt.Errorf("пустой ответ: %w", domain.ErrMalformedOutput)
	}

	var parsed llmResponse
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &parsed.ActionItems); err != nil {
			return domain.Extraction{}, fmt.Errorf("распаковка ответа LLM: %v: %w", err, domain.ErrMalformedOutput)
		}
	} else if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return domain.Extraction{}, fmt.Errorf("распаковка ответа LLM: %v: %w", err, domain.ErrMalformedOutput)
	}

	raw := parsed.ActionItems
	if len(raw) == 0 {
		raw = parsed.Items
	}
	out := domain.Extraction{Summary: strings.TrimSpace(parsed.Summary)}
	for _, item := range raw {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		priority, err := domain.ParsePriority(item.Priority)
		if err != nil {
			priority = domain.PriorityMedium
		}
		category, err := domain.ParseCategory(item.Category)
		if err != nil {
			category = domain.CategoryGeneral
		}
		out.Items = append(out.Items, domain.ActionItem{
			Text:       text,
			Priority:   priority,
			Category:   category,
			AssignedTo: assignee(item.AssignedTo),
		})
	}
	return out, nil
}

func assignee(raw any) *string {
	name, ok := raw.(string)
	if !ok {
		return nil
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "null") {
		return nil
	}
	return &name
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
