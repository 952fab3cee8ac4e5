package textsplit

import (
	"strings"
	"testing"
)

func TestSplitRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("b", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("c", 500))

	parts := Split(builder.String(), TelegramLimit)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}

	for i, part := range parts {
		if length := len([]rune(part)); length > TelegramLimit {
			t.Fatalf("part %d exceeds limit: %d", i, length)
		}
	}

	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("unexpected content in first part")
	}

	if parts[1][0] != 'b' {
		t.Fatalf("unexpected prefix for second part: %q", parts[1][0])
	}

	if !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("second part should contain trailing block of 'c'")
	}
}

func TestSplitShortText(t *testing.T) {
	text := "hello world"
	parts := Split(text, DiscordLimit)
	if len(parts) != 1 {
		t.Fatalf("expected single part, got %d", len(parts))
	}
	if parts[0] != text {
		t.Fatalf("unexpected text: %q", parts[0])
	}
}

func TestSplitEmpty(t *testing.T) {
	parts := Split("   \n  ", DiscordLimit)
	if len(parts) != 0 {
		t.Fatalf("expected no parts for empty input, got %d", len(parts))
	}
}

func TestSplitDiscordLimit(t *testing.T) {
	text := strings.Repeat("line of text\n", 400)
	parts := Split(text, DiscordLimit)
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 parts, got %d", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > DiscordLimit {
			t.Fatalf("part %d exceeds limit: %d", i, length)
		}
		if strings.HasPrefix(part, "\n") || !strings.HasPrefix(part, "line") {
			t.Fatalf("part %d should start on a line boundary", i)
		}
	}
}

func TestSplitWithoutNewlines(t *testing.T) {
	parts := Split(strings.Repeat("x", 4500), DiscordLimit)
	if len(parts) != 3 || len(parts[2]) != 500 {
		t.Fatalf("expected hard split into 2000/2000/500, got %d parts", len(parts))
	}
}
