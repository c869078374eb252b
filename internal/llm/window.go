package llm

import "github.com/harborcrm/harbor/pkg/models"

// Window bounds what the model sees per turn. Truncation lives next to
// the adapters so a policy change stays local.
const (
	// MaxWindowMessages is the number of trailing messages retained.
	MaxWindowMessages = 8

	// MaxMessageChars caps each message's content.
	MaxMessageChars = 1500

	// MaxSummaryChars caps inlined tool result summaries.
	MaxSummaryChars = 1200
)

// TrimWindow returns the last MaxWindowMessages messages with content
// truncated per policy. Tool results carrying an offloaded reference
// keep the reference instead of inline content. The input is not
// mutated.
func TrimWindow(messages []models.Message) []models.Message {
	return TrimWindowN(messages, MaxWindowMessages)
}

// TrimWindowN is TrimWindow with an explicit window size. Sizes at or
// below zero fall back to MaxWindowMessages.
func TrimWindowN(messages []models.Message, size int) []models.Message {
	if size <= 0 {
		size = MaxWindowMessages
	}
	start := 0
	if len(messages) > size {
		start = len(messages) - size
	}

	out := make([]models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		limit := MaxMessageChars
		if msg.Role == models.RoleTool {
			limit = MaxSummaryChars
			if msg.ResultRef != "" {
				msg.Content = "[result stored as artifact " + msg.ResultRef + "]"
			}
		}
		msg.Content = truncate(msg.Content, limit)
		out = append(out, msg)
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
