package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(?:think|thinking|thought|antthinking)>.*?</(?:think|thinking|thought|antthinking)>`)
	finalTag       = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)
	echoedContext  = regexp.MustCompile(`(?s)<conversation\b[^>]*>.*?</conversation>`)
)

// cleaners run in order over every assistant reply.
var cleaners = []struct {
	name string
	fn   func(string) string
}{
	{"tool_text", dropToolCallText},
	{"reasoning", func(s string) string { return reasoningBlock.ReplaceAllString(s, "") }},
	{"final_tag", func(s string) string { return finalTag.ReplaceAllString(s, "") }},
	{"echoed_context", func(s string) string { return echoedContext.ReplaceAllString(s, "") }},
	{"repeated_blocks", dropRepeatedBlocks},
}

// SanitizeAssistantContent cleans model output before it is posted and
// stored: reasoning tags, tool-call text some models emit inline, echoed
// channel context and repeated paragraphs are removed.
func SanitizeAssistantContent(content string) string {
	for _, c := range cleaners {
		cleaned := c.fn(content)
		if cleaned != content {
			slog.Debug("sanitized assistant content", "cleaner", c.name, "before", len(content), "after", len(cleaned))
			content = cleaned
		}
	}
	return strings.TrimSpace(content)
}

// dropToolCallText removes "[Tool Call: ...]" / "[Tool Result ...]" lines
// and the argument lines that follow them.
func dropToolCallText(s string) string {
	if !strings.Contains(s, "[Tool ") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	inCall := false
	for _, line := range lines {
		t := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(t, "[Tool Call:"), strings.HasPrefix(t, "[Tool Result"):
			inCall = true
		case inCall && (t == "" || strings.HasPrefix(t, "Arguments:") || strings.HasPrefix(t, "{") || strings.HasPrefix(t, "}")):
		default:
			inCall = false
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// dropRepeatedBlocks collapses a paragraph that repeats the one before it.
func dropRepeatedBlocks(s string) string {
	blocks := strings.Split(s, "\n\n")
	if len(blocks) < 2 {
		return s
	}
	out := make([]string, 0, len(blocks))
	prev := ""
	for _, b := range blocks {
		t := strings.TrimSpace(b)
		if t == "" || t == prev {
			continue
		}
		out = append(out, b)
		prev = t
	}
	return strings.Join(out, "\n\n")
}
