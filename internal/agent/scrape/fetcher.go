// Package scrape fetches web pages and reduces them to readable text.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/feichai0017/compliance-processor/internal/apperr"
)

const providerName = "scrape"

type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	StatusCode int    `json:"statusCode"`
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"maxBytes"`
	UserAgent string        `yaml:"userAgent"`
	BatchSize int           `yaml:"batchSize"`
}

type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "compliance-processor/1.0"
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "failed to create request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.NewRemoteError(providerName, 0, "failed to fetch "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.NewRemoteError(providerName, resp.StatusCode, "unexpected status fetching "+rawURL, nil)
	}

	body := io.LimitReader(resp.Body, f.maxBytes)
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, apperr.NewRemoteError(providerName, 0, "failed to read body", err)
		}
		return &Page{URL: rawURL, Text: strings.TrimSpace(string(raw)), StatusCode: resp.StatusCode}, nil
	}

	utf8Body, err := charset.NewReader(body, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode charset: %w", err)
	}
	title, text, err := ExtractText(utf8Body)
	if err != nil {
		return nil, apperr.NewRemoteError(providerName, http.StatusUnprocessableEntity, "failed to parse html", err)
	}
	return &Page{URL: rawURL, Title: title, Text: text, StatusCode: resp.StatusCode}, nil
}

var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"svg": true, "nav": true, "footer": true, "header": true, "iframe": true,
}

var blocks = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true, "br": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "table": true, "blockquote": true, "pre": true,
}

// ExtractText returns the document title and its visible text. Block level
// elements become paragraph breaks.
func ExtractText(r io.Reader) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var (
		title string
		b     strings.Builder
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipped[n.Data] {
				return
			}
			if n.Data == "title" && title == "" && n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n\n") {
			b.WriteString("\n\n")
		}
	}
	walk(doc)
	return title, strings.TrimSpace(b.String()), nil
}
