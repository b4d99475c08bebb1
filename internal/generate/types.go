// Package generate implements the client for the upstream code generator.
package generate

import "github.com/avdeyev/codecanvas/internal/domain"

// Request carries everything the upstream generator needs to produce code
// from a design image. UserEmail may be empty for anonymous users; the
// generator accepts that.
type Request struct {
	Description string                   `json:"description"`
	ImageURL    string                   `json:"imageUrl"`
	Model       string                   `json:"model"`
	Options     domain.GenerationOptions `json:"options"`
	UserEmail   string                   `json:"userEmail"`
}
