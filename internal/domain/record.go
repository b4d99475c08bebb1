// Package domain contains core domain types for the CodeCanvas application.
package domain

import (
	"encoding/json"
	"time"
)

// CodeRecord represents one generated-code unit of work: the uploaded design
// image, the user's requirement text, the chosen model and options, and the
// current best-known code content.
type CodeRecord struct {
	UID         string            `json:"uid"`
	UserID      string            `json:"user_id"`
	Email       string            `json:"email,omitempty"`
	ImageURL    string            `json:"image_url"`
	Description string            `json:"description"`
	Model       string            `json:"model"`
	Options     GenerationOptions `json:"options"`
	Code        CodeBody          `json:"code"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// GenerationOptions is an unordered map of generation option values
// (feature flags, theme, target language, ...). Stored as-is and echoed
// back unchanged on updates.
type GenerationOptions map[string]any

// ToJSON serializes options for storage. A nil map serializes to "{}".
func (o GenerationOptions) ToJSON() string {
	if o == nil {
		o = GenerationOptions{}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseGenerationOptions deserializes stored options. Malformed or empty
// input yields an empty map rather than an error.
func ParseGenerationOptions(data string) GenerationOptions {
	opts := GenerationOptions{}
	if data == "" {
		return opts
	}
	if err := json.Unmarshal([]byte(data), &opts); err != nil {
		return GenerationOptions{}
	}
	return opts
}

// CodeBody holds the record's code content. Older clients and the upstream
// generator sometimes deliver the code field as a bare string instead of a
// {"content": ...} object; UnmarshalJSON accepts both shapes.
type CodeBody struct {
	Content string `json:"content"`
}

// UnmarshalJSON coerces either a plain JSON string or an object with a
// "content" field into CodeBody.
func (c *CodeBody) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Content = s
		return nil
	}

	type plain CodeBody
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	c.Content = p.Content
	return nil
}

// HasCode returns true if the record holds non-empty code content.
func (r *CodeRecord) HasCode() bool {
	return r.Code.Content != ""
}
