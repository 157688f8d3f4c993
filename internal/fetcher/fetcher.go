// Package fetcher downloads listing resources over HTTP and classifies failures
// into transient and permanent source errors.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// Config controls client behavior.
type Config struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// DefaultConfig returns a 30s per-call timeout and a 50 MiB body cap.
func DefaultConfig() Config {
	return Config{
		UserAgent:    "listing-photo-ingest/1.0",
		Timeout:      30 * time.Second,
		MaxBodyBytes: 50 << 20,
	}
}

// Response is a fully read HTTP body.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client performs single GET requests with a per-call deadline.
type Client struct {
	cfg    Config
	source string
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client labelled with the source it downloads for.
func New(source string, cfg Config, logger *zap.Logger) *Client {
	return NewWithHTTPClient(source, cfg, &http.Client{Transport: newHTTPTransport()}, logger)
}

// NewWithHTTPClient is New with a caller supplied http.Client.
func NewWithHTTPClient(source string, cfg Config, hc *http.Client, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, source: source, http: hc, logger: logger}
}

// Get fetches url and returns the body. Status 429 and 5xx, timeouts and
// connection failures are *ingest.TransientSourceError; other 4xx responses,
// requests the client cannot send and oversized bodies are
// *ingest.PermanentSourceError. Cancellation of ctx
// is returned as is.
func (c *Client) Get(ctx context.Context, rawURL string) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, &ingest.PermanentSourceError{Source: c.source, URL: rawURL, Cause: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, c.classifyTransport(ctx, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Response{}, &ingest.TransientSourceError{Source: c.source, URL: rawURL, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Response{}, &ingest.PermanentSourceError{Source: c.source, URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return Response{}, c.classifyTransport(ctx, rawURL, err)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return Response{}, &ingest.PermanentSourceError{
			Source: c.source,
			URL:    rawURL,
			Cause:  &ingest.SizeLimitError{What: "response bytes", Value: int64(len(body)), Limit: c.cfg.MaxBodyBytes},
		}
	}
	c.logger.Debug("fetched",
		zap.String("source", c.source),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// GetImage is Get that rejects responses declaring a textual content type.
func (c *Client) GetImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	if !imageLike(resp.ContentType) {
		return nil, "", &ingest.PermanentSourceError{
			Source: c.source,
			URL:    rawURL,
			Cause:  fmt.Errorf("unexpected content type %q", resp.ContentType),
		}
	}
	return resp.Body, resp.ContentType, nil
}

func imageLike(contentType string) bool {
	if contentType == "" {
		return true
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return strings.HasPrefix(media, "image/") || media == "application/octet-stream" || media == "binary/octet-stream"
}

// classifyTransport treats timeouts, network and connection failures as
// transient. Client errors that never reached the network, such as an
// unsupported scheme or a missing host, are permanent.
func (c *Client) classifyTransport(parent context.Context, rawURL string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, parent.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ingest.TransientSourceError{Source: c.source, URL: rawURL, Cause: fmt.Errorf("timeout: %w", err)}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.As(urlErr.Err, &netErr) &&
		!errors.Is(urlErr.Err, io.EOF) && !errors.Is(urlErr.Err, io.ErrUnexpectedEOF) {
		return &ingest.PermanentSourceError{Source: c.source, URL: rawURL, Cause: err}
	}
	return &ingest.TransientSourceError{Source: c.source, URL: rawURL, Cause: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
