package linker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPair holds the digests derived from a request's message array and
// system prompt. ParentHash is empty when the array has a single message.
// Message identity and system identity are hashed independently so a
// conversation survives system-prompt drift between turns while consumers
// can still detect when the system context changed.
type HashPair struct {
	CurrentHash string `json:"current_hash"`
	ParentHash  string `json:"parent_hash,omitempty"`
	SystemHash  string `json:"system_hash"`
}

// HashMessage derives the identity digest of a single message: the
// normalized role prefix plus the normalized content, through SHA-256.
// Deterministic and side-effect free; missing content hashes as the empty
// string.
func HashMessage(m Message) string {
	return digest(NormalizeRole(m.Role) + ":" + NormalizeContent(m.Content))
}

// HashSystemPrompt derives the digest of the system prompt alone.
func HashSystemPrompt(system MessageContent) string {
	return digest(NormalizeContent(system))
}

// ComputeHashes derives the full hash pair from a request's message array
// and system prompt, using the last two messages: the newest one and its
// immediate predecessor.
func ComputeHashes(messages []Message, system MessageContent) HashPair {
	pair := HashPair{SystemHash: HashSystemPrompt(system)}
	if len(messages) == 0 {
		return pair
	}
	pair.CurrentHash = HashMessage(messages[len(messages)-1])
	if len(messages) >= 2 {
		pair.ParentHash = HashMessage(messages[len(messages)-2])
	}
	return pair
}

// ResponseMessageHash derives the identity digest of the assistant message
// carried in a raw upstream response payload. The next request in a chain
// repeats that message as its second-to-last entry, so this is the hash its
// parent hash will equal. Unreadable or empty payloads hash as absent.
func ResponseMessageHash(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var resp struct {
		Role    string         `json:"role"`
		Content MessageContent `json:"content"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return ""
	}
	if resp.Content.Empty() {
		return ""
	}
	if resp.Role == "" {
		resp.Role = "assistant"
	}
	return HashMessage(Message{Role: resp.Role, Content: resp.Content})
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
