package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	c, err := NewClientWithHTTPClient(Config{BaseURL: "http://generator"}, &http.Client{Transport: rt}, nil)
	if err != nil {
		t.Fatalf("NewClientWithHTTPClient: %v", err)
	}
	return c
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/generate" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if req.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", req.Method)
		}

		var in Request
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if in.Model != "gpt-vision" {
			t.Fatalf("model=%q", in.Model)
		}

		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("abc")),
		}, nil
	})

	var got strings.Builder
	for chunk, err := range client.Stream(context.Background(), Request{Model: "gpt-vision"}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		got.WriteString(chunk)
	}

	if got.String() != "abc" {
		t.Errorf("accumulated %q, want %q", got.String(), "abc")
	}
}

func TestStreamNon2xxYieldsTransportError(t *testing.T) {
	client := newTestClient(t, func(_ *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(strings.NewReader("model overloaded")),
		}, nil
	})

	var chunks int
	var streamErr error
	for chunk, err := range client.Stream(context.Background(), Request{}) {
		if err != nil {
			streamErr = err
			break
		}
		if chunk != "" {
			chunks++
		}
	}

	if chunks != 0 {
		t.Errorf("expected no chunks before failure, got %d", chunks)
	}
	var te *TransportError
	if !errors.As(streamErr, &te) {
		t.Fatalf("expected TransportError, got %v", streamErr)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("status=%d, want 502", te.StatusCode)
	}
	if !strings.Contains(te.Body, "model overloaded") {
		t.Errorf("body=%q, want upstream message", te.Body)
	}
}

func TestStreamStopsWhenConsumerBreaks(t *testing.T) {
	body := &closeTrackingReader{Reader: strings.NewReader(strings.Repeat("x", 64<<10))}
	client := newTestClient(t, func(_ *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
	})

	for chunk, err := range client.Stream(context.Background(), Request{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chunk != "" {
			break
		}
	}

	if !body.closed {
		t.Error("expected response body to be closed after consumer break")
	}
}

func TestStreamContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(&cancelThenFailReader{cancel: cancel}),
		}, nil
	})

	var sawError bool
	for _, err := range client.Stream(ctx, Request{}) {
		if err != nil {
			sawError = true
		}
	}

	// Cancellation is an abandonment, not a transport failure.
	if sawError {
		t.Error("expected cancelled stream to end without surfacing an error")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Error("expected error for missing base URL")
	}
}

type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (r *closeTrackingReader) Close() error {
	r.closed = true
	return nil
}

// cancelThenFailReader delivers one chunk, cancels the caller's context,
// then fails the next read the way an aborted connection does.
type cancelThenFailReader struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancelThenFailReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 1 {
		n := copy(p, "partial")
		return n, nil
	}
	r.cancel()
	return 0, errors.New("read on aborted connection")
}
