// Package gallery discovers listing photos by scraping a gallery page.
package gallery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/urlpolicy"
)

// Config describes one gallery site.
type Config struct {
	Name string `mapstructure:"name"`
	// URLTemplate is the gallery page URL with {address} and {key}
	// placeholders.
	URLTemplate string `mapstructure:"url_template"`
	Selector    string `mapstructure:"selector"`
	// AllowedDomains and BlockedDomains filter image hosts. Entries may be
	// exact hosts or "*.example.com" suffix patterns.
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// ImageFetcher downloads image bytes.
type ImageFetcher interface {
	GetImage(ctx context.Context, url string) ([]byte, string, error)
}

// Source implements ingest.Source by scraping a gallery page with colly.
type Source struct {
	cfg           Config
	policy        urlpolicy.Policy
	baseCollector *colly.Collector
	fetcher       ImageFetcher
	logger        *zap.Logger
}

// New builds a gallery Source.
func New(cfg Config, fetcher ImageFetcher, logger *zap.Logger) (*Source, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("gallery name is required")
	}
	if !strings.Contains(cfg.URLTemplate, "{address}") && !strings.Contains(cfg.URLTemplate, "{key}") {
		return nil, fmt.Errorf("gallery %s: url_template needs an {address} or {key} placeholder", cfg.Name)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("gallery %s: image fetcher is required", cfg.Name)
	}
	if cfg.Selector == "" {
		cfg.Selector = "img"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gallery").With(zap.String("source", cfg.Name))

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.RespectRobots {
		c.WithTransport(newRobotsTransport(http.DefaultTransport, func(host, reason string) {
			logger.Warn("robots.txt unreachable; treating as allow-all",
				zap.String("host", host), zap.String("reason", reason))
		}))
	}

	return &Source{
		cfg:           cfg,
		policy:        urlpolicy.New(cfg.AllowedDomains, cfg.BlockedDomains),
		baseCollector: c,
		fetcher:       fetcher,
		logger:        logger,
	}, nil
}

// Name returns the configured source name.
func (s *Source) Name() string { return s.cfg.Name }

// PageURL renders the gallery URL for a property.
func (s *Source) PageURL(property ingest.Property) string {
	r := strings.NewReplacer(
		"{address}", url.QueryEscape(property.Address),
		"{key}", string(property.Key),
	)
	return r.Replace(s.cfg.URLTemplate)
}

// ListImages visits the gallery page and collects image URLs in document
// order.
func (s *Source) ListImages(ctx context.Context, property ingest.Property) ([]ingest.ImageCandidate, error) {
	page := s.PageURL(property)
	collector := s.baseCollector.Clone()

	var (
		mu       sync.Mutex
		urls     []string
		seen     = make(map[string]struct{})
		visitErr error
	)
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		e.DOM.Find(s.cfg.Selector).Each(func(_ int, sel *goquery.Selection) {
			for _, raw := range candidates(sel) {
				abs, ok := s.policy.Admit(e.Request.AbsoluteURL(raw))
				if !ok {
					continue
				}
				mu.Lock()
				if _, dup := seen[abs]; !dup {
					seen[abs] = struct{}{}
					urls = append(urls, abs)
				}
				mu.Unlock()
			}
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		visitErr = s.classify(page, r, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(page)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("gallery visit canceled: %w", ctx.Err())
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		if visitErr != nil {
			return nil, visitErr
		}
		if err != nil {
			return nil, &ingest.PermanentSourceError{Source: s.cfg.Name, URL: page, Cause: err}
		}
	}

	out := make([]ingest.ImageCandidate, 0, len(urls))
	for _, u := range urls {
		out = append(out, ingest.ImageCandidate{Source: s.cfg.Name, URL: u})
	}
	s.logger.Debug("gallery listed", zap.String("page", page), zap.Int("images", len(out)))
	return out, nil
}

// FetchImage downloads one image.
func (s *Source) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	return s.fetcher.GetImage(ctx, imageURL)
}

func (s *Source) classify(page string, r *colly.Response, err error) error {
	status := 0
	if r != nil {
		status = r.StatusCode
	}
	switch {
	case status == 429 || status >= 500:
		return &ingest.TransientSourceError{Source: s.cfg.Name, URL: page, StatusCode: status, Cause: err}
	case status >= 400:
		return &ingest.PermanentSourceError{Source: s.cfg.Name, URL: page, StatusCode: status, Cause: err}
	default:
		return &ingest.TransientSourceError{Source: s.cfg.Name, URL: page, Cause: err}
	}
}

// candidates returns src, data-src and the widest srcset entry of an element.
func candidates(sel *goquery.Selection) []string {
	var out []string
	for _, attr := range []string{"src", "data-src"} {
		if v, ok := sel.Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" && !strings.HasPrefix(v, "data:") {
				out = append(out, v)
			}
		}
	}
	if v, ok := sel.Attr("srcset"); ok {
		if best := largestSrcset(v); best != "" {
			out = append(out, best)
		}
	}
	return out
}

// largestSrcset picks the entry with the largest width or density descriptor.
func largestSrcset(srcset string) string {
	best, bestSize := "", -1.0
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 || strings.HasPrefix(fields[0], "data:") {
			continue
		}
		size := 1.0
		if len(fields) > 1 {
			d := fields[1]
			if n, err := strconv.ParseFloat(strings.TrimRight(d, "wx"), 64); err == nil {
				size = n
			}
		}
		if size > bestSize {
			best, bestSize = fields[0], size
		}
	}
	return best
}
