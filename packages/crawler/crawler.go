package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lukeed/quicklink/packages/domain"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

type Crawler struct {
	client    *http.Client
	userAgent string
}

func New(timeout time.Duration, userAgent string) *Crawler {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Crawler{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// FetchPage downloads and parses the page whose links will be scanned.
func (c *Crawler) FetchPage(ctx context.Context, rawURL string) (*domain.FetchedPage, error) {
	slog.Debug("Fetching page", "url", rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Debug("Fetch returned bad status code", "url", rawURL, "status_code", resp.StatusCode)
		return nil, fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return nil, fmt.Errorf("content type %q is not HTML", contentType)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	return &domain.FetchedPage{
		FinalURL:   resp.Request.URL.String(),
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		GoqueryDoc: doc,
	}, nil
}
