package linker

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// blockSeparator joins rendered blocks into the canonical string.
const blockSeparator = "\n"

// ephemeralTag wraps annotations the serving layer injects into message
// bodies between otherwise identical logical turns. Blocks consisting solely
// of such a span are dropped; spans embedded in larger text are cut out.
const ephemeralTag = "system-reminder"

// volatilePatterns are fragments that change between identical logical turns
// and must not influence message identity.
var volatilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`),
	regexp.MustCompile(`(?s)<env_status>.*?</env_status>`),
}

// NormalizeContent canonicalizes message content into a stable string for
// hashing. String content passes through; block lists are filtered, deduped
// and joined in order. The result is idempotent under re-normalization.
func NormalizeContent(c MessageContent) string {
	if c.IsText {
		return NormalizeText(c.Text)
	}
	if len(c.Blocks) == 0 {
		return ""
	}

	parts := make([]string, 0, len(c.Blocks))
	var prev string
	var prevToolish bool
	for _, b := range c.Blocks {
		if isEphemeralBlock(b) {
			continue
		}
		rendered := renderBlock(b)
		if rendered == "" {
			continue
		}
		// Collapse duplicate adjacent tool blocks so a harmless retry
		// does not change the hash.
		toolish := b.Type == "tool_use" || b.Type == "tool_result"
		if toolish && prevToolish && rendered == prev {
			continue
		}
		parts = append(parts, rendered)
		prev = rendered
		prevToolish = toolish
	}
	return NormalizeText(strings.Join(parts, blockSeparator))
}

// NormalizeText strips volatile fragments from already-flat text. Exposed so
// store adapters can normalize tool-invocation prompts the same way the
// linker normalizes the request's first user message.
func NormalizeText(s string) string {
	for _, re := range volatilePatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// NormalizeRole canonicalizes a message role before hashing. Clients vary
// the casing, and Gemini-style payloads label the assistant turn "model".
func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "model" {
		return "assistant"
	}
	return role
}

func isEphemeralBlock(b ContentBlock) bool {
	if b.Type != "text" {
		return false
	}
	t := strings.TrimSpace(b.Text)
	return strings.HasPrefix(t, "<"+ephemeralTag+">") && strings.HasSuffix(t, "</"+ephemeralTag+">")
}

func renderBlock(b ContentBlock) string {
	switch b.Type {
	case "text":
		return strings.TrimSpace(b.Text)
	case "tool_use":
		return "tool_use:" + b.Name + ":" + compactJSON(b.Input)
	case "tool_result":
		return "tool_result:" + b.ToolUseID + ":" + compactJSON(b.Content)
	default:
		// Unrecognized block shapes degrade to their JSON form rather
		// than failing; hashing must never block the request pipeline.
		if len(b.raw) > 0 {
			return strings.TrimSpace(string(b.raw))
		}
		return b.Type
	}
}

// compactJSON removes insignificant whitespace so equivalent payloads render
// identically. Invalid JSON falls back to the trimmed raw bytes.
func compactJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
