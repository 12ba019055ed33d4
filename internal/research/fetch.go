// Package research fetches the pages a question points at and reduces them to
// plain text the model can read before writing a scraper.
package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"scrapeqa/internal/logging"
)

const (
	// DefaultMaxBytes caps how much of a response body is read.
	DefaultMaxBytes = 2 << 20
	// DefaultMaxChars caps the extracted text per page.
	DefaultMaxChars = 4000
	// DefaultConcurrency bounds parallel fetches in FetchAll.
	DefaultConcurrency = 4

	truncatedMarker = "\n[...truncated...]"
	userAgent       = "Mozilla/5.0 (compatible; scrapeqa/1.0)"
)

// Renderer produces the HTML of a page after scripts ran.
// *browser.Renderer satisfies it.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Page is the extracted text of one URL.
type Page struct {
	URL  string
	Text string
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	Client   *http.Client
	Renderer Renderer // optional; tried before plain HTTP
	Timeout  time.Duration
	MaxBytes int64
	MaxChars int
	Cache    *Cache // optional
}

// NewFetcher returns a fetcher with default limits.
func NewFetcher(timeout time.Duration, maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{
		Client:   &http.Client{},
		Timeout:  timeout,
		MaxBytes: DefaultMaxBytes,
		MaxChars: maxChars,
		Cache:    NewCache(256, 30*time.Minute),
	}
}

// Fetch returns the readable text of url, truncated to MaxChars.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.Cache != nil {
		if text, ok := f.Cache.Get(url); ok {
			logging.ResearchDebug("Cache hit for %s", url)
			return text, nil
		}
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var text string
	var err error
	if f.Renderer != nil {
		var html string
		html, err = f.Renderer.Render(ctx, url)
		if err == nil {
			text, err = HTMLToText(html)
		} else {
			logging.ResearchWarn("Render of %s failed, falling back to HTTP: %v", url, err)
		}
	}
	if f.Renderer == nil || err != nil {
		text, err = f.get(ctx, url)
	}
	if err != nil {
		return "", err
	}

	text = truncate(text, f.MaxChars)
	if f.Cache != nil {
		f.Cache.Set(url, text)
	}
	logging.Research("Fetched %s (%d chars)", url, len(text))
	return text, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, url)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/plain") || strings.Contains(ct, "text/csv") ||
		strings.Contains(ct, "application/json") {
		return strings.TrimSpace(string(body)), nil
	}
	return HTMLToText(string(body))
}

// FetchAll fetches urls concurrently, at most DefaultConcurrency at a time.
// Failed pages are logged and left out; the result keeps input order.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []Page {
	results := make([]*Page, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			text, err := f.Fetch(gctx, u)
			if err != nil {
				logging.ResearchWarn("Skipping page context for %s: %v", u, err)
				return nil
			}
			if strings.TrimSpace(text) != "" {
				results[i] = &Page{URL: u, Text: text}
			}
			return nil
		})
	}
	_ = g.Wait()

	pages := make([]Page, 0, len(urls))
	for _, p := range results {
		if p != nil {
			pages = append(pages, *p)
		}
	}
	return pages
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
