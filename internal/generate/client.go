package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeneratePath = "/v1/generate"
	maxErrorBodyBytes   = 1 << 20
	readChunkSize       = 4096
)

// Streamer produces generated code as a lazy, finite, non-restartable
// sequence of raw text chunks in arrival order. Cancelling the context or
// breaking out of the iteration stops in-flight reads and releases the
// underlying connection.
type Streamer interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Client talks to the upstream generation service over streaming HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	path       string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Path    string
	// Timeout bounds the entire stream, request start to last byte.
	// Zero means no deadline beyond the caller's context.
	Timeout time.Duration
}

// NewClient creates a generation client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("generate: base URL required")
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultGeneratePath
	}

	if logger == nil {
		logger = slog.Default()
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		path:       path,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Transport: tr},
		logger:     logger,
	}, nil
}

// NewClientWithHTTPClient is intended for tests; it avoids network access by
// using a custom RoundTripper.
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	c, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

// Stream opens a streaming POST to the generator and yields raw text chunks
// exactly as they arrive. A non-2xx status yields a single *TransportError
// and nothing else; mid-stream read failures yield the error after any
// chunks already delivered.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(req)
		if err != nil {
			yield("", fmt.Errorf("encode generation request: %w", err))
			return
		}

		ctx2 := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			ctx2, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(ctx2, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("build generation request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield("", fmt.Errorf("generation request failed: %w", err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close generator response body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			yield("", &TransportError{StatusCode: resp.StatusCode, Body: string(raw)})
			return
		}

		buf := make([]byte, readChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if !yield(string(buf[:n]), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx2.Err() != nil {
					// Caller abandoned the stream; not a transport failure.
					return
				}
				yield("", fmt.Errorf("read generation stream: %w", err))
				return
			}
		}
	}
}

var _ Streamer = (*Client)(nil)
