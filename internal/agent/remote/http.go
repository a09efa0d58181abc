// Package remote holds the JSON-over-HTTP plumbing shared by the search and
// analysis providers.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feichai0017/compliance-processor/internal/apperr"
)

const maxErrorBody = 4 << 10

type Client struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(provider, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		provider:   provider,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PostJSON sends body as JSON to path and returns the raw response body.
// Non-2xx responses become *apperr.RemoteError carrying the status code;
// transport failures become a RemoteError with status 0.
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}) ([]byte, error) {
	reqData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqData))
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.NewRemoteError(c.provider, 0, "failed to send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apperr.NewRemoteError(c.provider, resp.StatusCode, string(bytes.TrimSpace(msg)), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NewRemoteError(c.provider, 0, "failed to read response", err)
	}
	return data, nil
}

// DecodeError marks a 2xx response whose body does not match the contract.
// Retrying will not fix it, so it is permanent.
func DecodeError(provider string, err error) error {
	return apperr.NewRemoteError(provider, http.StatusUnprocessableEntity, "malformed response: "+err.Error(), err)
}
