// Package linker reconstructs logical conversation structure from stateless
// LLM API requests. Given only a request's message array, it decides which
// prior conversation the request continues, whether it diverges into a new
// branch, and whether it is a sub-task spawned by a tool invocation in a
// parent conversation. Lookups against the durable store are injected as
// narrow query ports, so the same logic runs in the live request path and in
// offline historical rebuilds.
package linker

import (
	"encoding/json"
	"time"
)

// Message is one entry of an inbound request's message array.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ContentBlock is one element of a structured message body. Unknown block
// shapes keep their raw JSON so normalization can fall back to it.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	raw json.RawMessage
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MessageContent accepts both wire forms of a message body: a plain string
// or an ordered list of typed blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

// TextContent wraps a plain string as message content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s, IsText: true}
}

// BlockContent wraps a block list as message content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// Empty reports whether no content was supplied at all.
func (c MessageContent) Empty() bool {
	return !c.IsText && len(c.Blocks) == 0
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{Text: s, IsText: true}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		*c = MessageContent{Blocks: blocks}
		return nil
	}

	// Unrecognized shape: keep the raw JSON as text so hashing never
	// blocks the request pipeline.
	*c = MessageContent{Text: string(data), IsText: true}
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.Blocks)
}

// Request carries the per-request facts the upstream pipeline supplies:
// the message array, the system prompt, the tenant domain, and the
// authoritative request timestamp.
type Request struct {
	Domain    string         `json:"domain"`
	Messages  []Message      `json:"messages"`
	System    MessageContent `json:"system,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RequestBody is the persisted wire form of a request's linkable content,
// stored alongside each record so historical rebuilds can replay linking.
type RequestBody struct {
	Messages []Message      `json:"messages"`
	System   MessageContent `json:"system,omitempty"`
}

// ParseRequestBody decodes a stored request body.
func ParseRequestBody(data []byte) (RequestBody, error) {
	var body RequestBody
	if err := json.Unmarshal(data, &body); err != nil {
		return RequestBody{}, err
	}
	return body, nil
}
