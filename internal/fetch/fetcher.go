// Package fetch retrieves and extracts readable text from URLs submitted
// for summarization.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

var whitespaceRe = regexp.MustCompile(`\s+`)

// Fetcher retrieves the text content to summarize for a URL input.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTTPFetcher downloads a page and strips it down to readable text. Its
// client timeout is the only cancellation bound the pipeline relies on for
// url jobs; nothing upstream interrupts an in-flight fetch.
type HTTPFetcher struct {
	client   *http.Client
	maxChars int
}

func NewHTTPFetcher(timeout time.Duration, maxChars int) *HTTPFetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxChars == 0 {
		maxChars = 50000
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxChars: maxChars,
	}
}

// Fetch returns the page title plus body text, whitespace-squashed and
// truncated. Network errors, timeouts, and non-2xx responses all come back
// as errors for the retry policy to handle.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to extract content from URL: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to extract content from URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("failed to extract content from URL: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to extract content from URL: %w", err)
	}

	doc.Find("script, style, nav, footer, header").Remove()

	title := strings.TrimSpace(doc.Find("title").Text())
	body := whitespaceRe.ReplaceAllString(strings.TrimSpace(doc.Find("body").Text()), " ")
	if len(body) > f.maxChars {
		// Back up to a rune boundary so the cut never leaves a partial
		// UTF-8 sequence behind.
		cut := f.maxChars
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}

	content := body
	if title != "" {
		content = title + "\n\n" + body
	}
	if content == "" {
		return "No content found", nil
	}
	return content, nil
}
