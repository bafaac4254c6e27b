package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"execbox/internal/execd/controller"
	appErr "execbox/pkg/errors"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Envelope is the execd response wrapper.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details map[string]any  `json:"details"`
	TraceID string          `json:"trace_id"`
}

// APIError is a non-success envelope.
type APIError struct {
	Status int
	Envelope
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("HTTP %d: code=%d %s", e.Status, e.Code, e.Message)
	if diag, ok := e.Details["diagnostics"].(string); ok && diag != "" {
		msg += "\n" + diag
	}
	return msg
}

// Client talks to execd.
type Client struct {
	baseURL string
	timeout time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Timeout() time.Duration { return c.timeout }

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Run posts one execution request.
func (c *Client) Run(ctx context.Context, req controller.RunRequest) (controller.RunResponse, ResponseInfo, error) {
	var out controller.RunResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, ResponseInfo{}, fmt.Errorf("encode request failed: %w", err)
	}
	info, err := c.Do(ctx, http.MethodPost, "/api/v1/exec/run", nil, body)
	if err != nil {
		return out, info, err
	}
	err = decode(info, &out)
	return out, info, err
}

// Languages fetches the supported languages and runtimes.
func (c *Client) Languages(ctx context.Context) (controller.LanguagesResponse, ResponseInfo, error) {
	var out controller.LanguagesResponse
	info, err := c.Do(ctx, http.MethodGet, "/api/v1/exec/languages", nil, nil)
	if err != nil {
		return out, info, err
	}
	err = decode(info, &out)
	return out, info, err
}

func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo
	client := &http.Client{Timeout: c.timeout}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}

func decode(info ResponseInfo, out interface{}) error {
	var env Envelope
	if err := json.Unmarshal(info.Body, &env); err != nil {
		return fmt.Errorf("HTTP %d: decode response failed: %w", info.StatusCode, err)
	}
	if env.Code != int(appErr.Success) {
		return &APIError{Status: info.StatusCode, Envelope: env}
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data failed: %w", err)
	}
	return nil
}
