package generate

import "fmt"

// TransportError reports a failed generation request: a non-2xx upstream
// status or an unreadable stream. Body carries whatever the upstream sent
// back so it can be surfaced to the user.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e == nil {
		return "generator transport error"
	}
	if e.Body == "" {
		return fmt.Sprintf("generator transport error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("generator transport error: status=%d body=%s", e.StatusCode, e.Body)
}
