// Package normalize converts raw AI generation output into clean source code.
//
// Models wrap their output unpredictably: sometimes a chat-completion JSON
// envelope, sometimes markdown code fences, sometimes both. Normalize
// unwraps and strips whatever it recognizes and returns the rest untouched.
package normalize

import (
	"encoding/json"
	"strings"
)

// fenceMarkers lists every fence variant models have been observed to emit.
// Longer markers come first so "```" doesn't eat the tag off "```tsx".
// "```typescrpt" is a misspelling some stored records contain; it has to
// keep matching.
var fenceMarkers = []string{
	"```javascript",
	"```typescript",
	"```typescrpt",
	"```jsx",
	"```tsx",
	"```",
}

// envelope mirrors the chat-completion response shape. Content is a pointer
// so an envelope with a missing content field is distinguishable from one
// containing an empty string.
type envelope struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Normalize turns an arbitrary model response into directly usable code.
// It never fails: anything it cannot interpret passes through with only
// fence markers removed and whitespace trimmed. Normalize is idempotent.
func Normalize(raw string) string {
	working := raw

	if content, ok := unwrapEnvelope(raw); ok {
		working = content
	}

	for _, marker := range fenceMarkers {
		working = strings.ReplaceAll(working, marker, "")
	}

	return strings.TrimSpace(working)
}

// unwrapEnvelope extracts choices[0].message.content from a JSON-enveloped
// response. The detection heuristic (leading "{" plus a "message" substring)
// is loose on purpose: it matches what models actually send, and a false
// positive just falls through to the parse attempt. Parse failures and
// missing paths report ok=false; the caller keeps the original input.
func unwrapEnvelope(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"message"`) {
		return "", false
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return "", false
	}
	if len(env.Choices) == 0 || env.Choices[0].Message.Content == nil {
		return "", false
	}
	return *env.Choices[0].Message.Content, true
}
