package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"qabridge/internal/vault"
	"qabridge/pkg/schema"
)

// DefaultBaseURL is the hosted Jira instance the workflows target.
const DefaultBaseURL = "https://liferay.atlassian.net"

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultPageSize        = 100
)

// Config holds connection settings for the Jira REST API.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxResponseBody int64
	PageSize        int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	return c
}

// Client talks to the Jira REST API v2 using basic auth with the user
// identity and API token resolved from the credential vault.
type Client struct {
	cfg    Config
	creds  vault.Credentials
	hc     *http.Client
	logger *slog.Logger
}

// NewClient creates a Jira client. A nil logger falls back to the
// default slog logger.
func NewClient(cfg Config, creds vault.Credentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		creds:  creds,
		hc:     &http.Client{},
		logger: logger,
	}
}

// do executes an authenticated JSON request against the REST API.
// path is relative to the base URL. A non-nil out receives the decoded
// response body.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "marshal request body").WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create request").WithCause(err)
	}
	req.SetBasicAuth(c.creds.User, c.creds.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAPI, "%s %s failed", method, path).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAPI, "read response body").WithCause(err)
	}

	c.logger.DebugContext(ctx, "jira request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeAPI
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = schema.ErrCodeAuth
		case http.StatusNotFound:
			code = schema.ErrCodeNotFound
		}
		return schema.NewErrorf(code, "%s %s returned %d", method, path, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(body)})
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeAPI, "decode response from %s", path).WithCause(err)
	}
	return nil
}
