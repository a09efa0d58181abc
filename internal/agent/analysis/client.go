// Package analysis is the text analysis collaborator. Two backends share one
// result contract: a generic HTTP service and a local Ollama model.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/feichai0017/compliance-processor/internal/agent/remote"
	"github.com/feichai0017/compliance-processor/internal/apperr"
)

const providerName = "analysis"

type Request struct {
	Context string `json:"context"`
	Query   string `json:"query"`
}

type Citation struct {
	Source string `json:"source"`
	URL    string `json:"url,omitempty"`
}

type Result struct {
	Summary       string     `json:"summary"`
	Obligations   []string   `json:"obligations"`
	RecentChanges []string   `json:"recentChanges"`
	Risks         []string   `json:"risks"`
	Citations     []Citation `json:"citations"`
}

// normalize replaces nil slices so the result always serialises as arrays.
func (r *Result) normalize() {
	if r.Obligations == nil {
		r.Obligations = []string{}
	}
	if r.RecentChanges == nil {
		r.RecentChanges = []string{}
	}
	if r.Risks == nil {
		r.Risks = []string{}
	}
	if r.Citations == nil {
		r.Citations = []Citation{}
	}
}

type Provider interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

type Config struct {
	Backend string        `yaml:"backend"` // http | ollama
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxContextChars truncates the context sent upstream.
	MaxContextChars int          `yaml:"maxContextChars"`
	Ollama          OllamaConfig `yaml:"ollama"`
}

// New picks the backend named in cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "", "http":
		return NewClient(cfg), nil
	case "ollama":
		return NewOllamaClient(cfg.Ollama, cfg.Timeout, cfg.MaxContextChars), nil
	}
	return nil, fmt.Errorf("unknown analysis backend: %s", cfg.Backend)
}

type Client struct {
	http     *remote.Client
	maxChars int
}

func NewClient(cfg Config) *Client {
	return &Client{
		http:     remote.NewClient(providerName, strings.TrimRight(cfg.BaseURL, "/"), cfg.APIKey, cfg.Timeout),
		maxChars: cfg.MaxContextChars,
	}
}

func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	req.Context = truncate(req.Context, c.maxChars)

	data, err := c.http.PostJSON(ctx, "/analyze", req)
	if err != nil {
		return nil, err
	}
	res, err := decodeResult(data)
	if err != nil {
		return nil, remote.DecodeError(providerName, err)
	}
	return res, nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Query) == "" && strings.TrimSpace(req.Context) == "" {
		return apperr.Validation("analysis needs a query or context")
	}
	return nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// cut on a rune boundary
	for max > 0 && !isRuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
