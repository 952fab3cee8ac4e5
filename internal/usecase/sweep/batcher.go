package sweep

import (
	"iter"
	"strings"

	"noteticket-bot/internal/domain"
)

// DefaultBatchSize — сообщений в одном запросе к модели.
const DefaultBatchSize = 10

const unknownAuthor = "Unknown"

// MakeBatches режет сообщения на последовательные батчи по size штук.
// Последовательность ленивая, её можно обходить повторно.
func MakeBatches(messages []domain.Message, size int) iter.Seq[[]domain.Message] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return func(yield func([]domain.Message) bool) {
		for start := 0; start < len(messages); start += size {
			end := min(start+size, len(messages))
			if !yield(messages[start:end:end]) {
				return
			}
		}
	}
}

// RenderTranscript склеивает батч в строки "автор: текст" в исходном порядке.
func RenderTranscript(batch []domain.Message) string {
	var builder strings.Builder
	for idx, msg := range batch {
		if idx > 0 {
			builder.WriteString("\n")
		}
		author := strings.TrimSpace(msg.AuthorName)
		if author == "" {
			author = unknownAuthor
		}
		builder.WriteString(author + ": " + msg.Content)
	}
	return builder.String()
}

// isBlankTranscript сообщает, что в батче нет текста и звать модель незачем.
func isBlankTranscript(batch []domain.Message) bool {
	for _, msg := range batch {
		if strings.TrimSpace(msg.Content) != "" {
			return false
		}
	}
	return true
}
