package sweep

import (
	"fmt"
	"strings"

	"noteticket-bot/internal/domain"
)

const (
	notificationFooter = "Auto-detected by NoteTicketing Bot"
	itemTextLimit      = 100
)

// FormatNotification формирует markdown-сообщение о найденных задачах.
func FormatNotification(job domain.NotifyJob) string {
	name := strings.TrimPrefix(strings.TrimSpace(job.SourceChannelName), "#")
	if name == "" {
		name = job.SourceChannelID
	}

	var builder strings.Builder
	builder.WriteString("🆕 **New Action Items from #" + name + "**\n")
	builder.WriteString("The following action items were automatically detected:\n")
	for _, item := range job.Items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		builder.WriteString("\n📋 **" + clip(text, itemTextLimit) + "**\n")
		builder.WriteString(fmt.Sprintf("**Priority:** %s\n", orDefault(string(item.Priority), string(domain.PriorityMedium))))
		builder.WriteString(fmt.Sprintf("**Category:** %s\n", orDefault(string(item.Category), string(domain.CategoryGeneral))))
		if item.AssignedTo != nil && strings.TrimSpace(*item.AssignedTo) != "" {
			builder.WriteString("**Assigned to:** " + strings.TrimSpace(*item.AssignedTo) + "\n")
		}
	}
	builder.WriteString("\n_" + notificationFooter + "_")
	return builder.String()
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
