package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareAssignsAnonID(t *testing.T) {
	var gotUserID, gotEmail, gotSession string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		gotEmail = EmailFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidAnonID(gotUserID) {
		t.Errorf("expected valid anon id, got %q", gotUserID)
	}
	if gotEmail != "" {
		t.Errorf("expected empty email, got %q", gotEmail)
	}
	if gotSession != DefaultSessionIDValue {
		t.Errorf("expected default session, got %q", gotSession)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("expected %s cookie, got %v", AnonCookieName, cookies)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	const existing = "anon_0123456789abcdef0123456789abcdef"
	var gotUserID string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID != existing {
		t.Errorf("expected reused anon id %q, got %q", existing, gotUserID)
	}
}

func TestMiddlewareForwardedEmail(t *testing.T) {
	var gotEmail string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEmail = EmailFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(EmailHeaderName, "dev@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotEmail != "dev@example.com" {
		t.Errorf("expected forwarded email, got %q", gotEmail)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tab-1", "tab-1"},
		{"", DefaultSessionIDValue},
		{"has spaces", DefaultSessionIDValue},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("not-an-email"); got != "" {
		t.Errorf("expected invalid email rejected, got %q", got)
	}
	if got := sanitizeEmail(" dev@example.com "); got != "dev@example.com" {
		t.Errorf("expected trimmed email, got %q", got)
	}
}
