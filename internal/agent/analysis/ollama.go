package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/feichai0017/compliance-processor/internal/agent/remote"
	"github.com/feichai0017/compliance-processor/internal/apperr"
)

const ollamaProvider = "ollama"

type OllamaConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"maxTokens"`
	Temperature float64       `yaml:"temperature"`
	MaxPoolSize int           `yaml:"maxPoolSize"`
	PoolTimeout time.Duration `yaml:"poolTimeout"`
}

const promptTemplate = `You are a regulatory compliance analyst. Using only the material below, answer the question.

Question: %s

Material:
%s

Reply with a single JSON object with these fields:
- "summary": string
- "obligations": array of strings, each a concrete duty the reader must meet
- "recentChanges": array of strings describing recent regulatory changes
- "risks": array of strings
- "citations": array of {"source": string, "url": string}`

// OllamaResponse 定义 Ollama API 响应结构
type OllamaResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// OllamaClient runs analysis on a local model. A fixed number of slots
// bounds concurrent generations, since each one pins the model.
type OllamaClient struct {
	http     *remote.Client
	cfg      OllamaConfig
	slots    chan struct{}
	maxChars int
}

func NewOllamaClient(cfg OllamaConfig, timeout time.Duration, maxChars int) *OllamaClient {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 4
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		http:     remote.NewClient(ollamaProvider, strings.TrimRight(cfg.Endpoint, "/"), "", timeout),
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxPoolSize),
		maxChars: maxChars,
	}
}

func (c *OllamaClient) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.PoolTimeout)
	defer timer.Stop()
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-timer.C:
		// local saturation behaves like a 429 so the caller backs off
		return nil, apperr.NewRemoteError(ollamaProvider, 429, "timeout waiting for available slot", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reqBody := map[string]interface{}{
		"model":  c.cfg.Model,
		"prompt": fmt.Sprintf(promptTemplate, req.Query, truncate(req.Context, c.maxChars)),
		"stream": false,
		"format": "json",
		"options": map[string]interface{}{
			"num_predict": c.cfg.MaxTokens,
			"temperature": c.cfg.Temperature,
		},
	}

	data, err := c.http.PostJSON(ctx, "/api/generate", reqBody)
	if err != nil {
		return nil, err
	}

	var out OllamaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, remote.DecodeError(ollamaProvider, err)
	}
	if out.Error != "" {
		return nil, apperr.NewRemoteError(ollamaProvider, 500, out.Error, nil)
	}

	res, err := decodeResult([]byte(out.Response))
	if err != nil {
		return nil, remote.DecodeError(ollamaProvider, err)
	}
	return res, nil
}
