// Package search is the web search collaborator.
package search

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/feichai0017/compliance-processor/internal/agent/remote"
	"github.com/feichai0017/compliance-processor/internal/apperr"
)

const providerName = "search"

type Query struct {
	Text       string `json:"query"`
	MaxResults int    `json:"maxResults"`
	Focus      string `json:"focus,omitempty"`
}

type Source struct {
	Title              string `json:"title"`
	URL                string `json:"url"`
	Snippet            string `json:"snippet"`
	IsGovernmentSource bool   `json:"isGovernmentSource"`
}

type Result struct {
	Sources []Source `json:"sources"`
	Summary string   `json:"summary"`
}

type Provider interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

type Config struct {
	BaseURL    string        `yaml:"baseUrl"`
	APIKey     string        `yaml:"apiKey"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxResults int           `yaml:"maxResults"`
}

type Client struct {
	http       *remote.Client
	maxResults int
}

func NewClient(cfg Config) *Client {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &Client{
		http:       remote.NewClient(providerName, strings.TrimRight(cfg.BaseURL, "/"), cfg.APIKey, cfg.Timeout),
		maxResults: cfg.MaxResults,
	}
}

func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, apperr.Validation("search query is empty")
	}
	if q.MaxResults <= 0 || q.MaxResults > c.maxResults {
		q.MaxResults = c.maxResults
	}

	data, err := c.http.PostJSON(ctx, "/search", q)
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, remote.DecodeError(providerName, err)
	}
	for i := range res.Sources {
		if !res.Sources[i].IsGovernmentSource {
			res.Sources[i].IsGovernmentSource = IsGovernmentURL(res.Sources[i].URL)
		}
	}
	return &res, nil
}

var governmentSuffixes = []string{".gov", ".mil", ".gov.uk", ".gc.ca", ".gov.au", ".europa.eu", ".gouv.fr", ".bund.de"}

// IsGovernmentURL reports whether the host belongs to a known public-sector
// domain.
func IsGovernmentURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range governmentSuffixes {
		if strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
			return true
		}
	}
	return strings.Contains(host, ".gov.")
}

// RankGovernmentFirst orders government sources ahead of the rest while
// keeping the provider's relative order within each group.
func RankGovernmentFirst(sources []Source) []Source {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s.IsGovernmentSource {
			out = append(out, s)
		}
	}
	for _, s := range sources {
		if !s.IsGovernmentSource {
			out = append(out, s)
		}
	}
	return out
}
