package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// APIMessage is one entry of the envelope's errors array.
type APIMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIError is a non-success envelope or HTTP status from a raw request.
type APIError struct {
	StatusCode int
	Errors     []APIMessage
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("cloudflare API error (HTTP %d)", e.StatusCode)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		parts = append(parts, fmt.Sprintf("[%d] %s", m.Code, m.Message))
	}
	return fmt.Sprintf("cloudflare API error (HTTP %d): %s", e.StatusCode, strings.Join(parts, "; "))
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []APIMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

// Do sends an authenticated request to path, relative to the API root, and
// returns the envelope's result. body is JSON-encoded when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		case json.RawMessage:
			reader = bytes.NewReader(b)
		default:
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	} else {
		req.Header.Set("X-Auth-Key", c.cfg.APIKey)
		req.Header.Set("X-Auth-Email", c.cfg.APIEmail)
	}

	log.Debug().Str("method", req.Method).Str("path", path).Msg("cloudflare request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Errors: env.Errors}
	}
	return env.Result, nil
}

// DoInto is Do followed by decoding the result into out.
func (c *Client) DoInto(ctx context.Context, method, path string, body, out any) error {
	result, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 || string(result) == "null" {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
