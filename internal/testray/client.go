package testray

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"qabridge/pkg/schema"
)

// Defaults for the hosted Testray instance.
const (
	DefaultBaseURL     = "https://testray.liferay.com/o/c"
	DefaultRESTBaseURL = "https://testray.liferay.com/o/testray-rest/v1.0"
	DefaultTokenURL    = "https://testray.liferay.com/o/oauth2/token"

	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultPageSize        = 500

	// Tokens are refreshed this long before their reported expiry.
	tokenExpirySlack = 30 * time.Second
)

// Env variable names for the OAuth2 client-credentials pair.
const (
	EnvClientID     = "CLIENT_ID"
	EnvClientSecret = "CLIENT_SECRET"
)

// Config holds connection settings for the Testray APIs.
type Config struct {
	BaseURL     string
	RESTBaseURL string
	TokenURL    string

	ClientID     string
	ClientSecret string

	Timeout         time.Duration
	MaxResponseBody int64
	PageSize        int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = DefaultRESTBaseURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
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

// ConfigFromEnv builds a Config from the environment, optionally loading
// a dotenv file first. The file is allowed to be absent; already-set
// environment variables win over file values.
func ConfigFromEnv(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, schema.NewErrorf(schema.ErrCodeValidation,
				"load env file %s", envFile).WithCause(err)
		}
	}

	cfg := Config{
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return Config{}, schema.NewError(schema.ErrCodeMissingCredential,
			"CLIENT_ID and CLIENT_SECRET must be set for Testray access")
	}
	return cfg, nil
}

// Client talks to the Testray objects API and the testray-rest API.
// Safe for concurrent use; the OAuth token is cached and refreshed
// transparently.
type Client struct {
	cfg    Config
	hc     *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Testray client. A nil logger falls back to the
// default slog logger.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		hc:     &http.Client{},
		logger: logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a valid bearer token, fetching a new one via the
// client-credentials grant when the cached token is missing or expiring.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "create token request").WithCause(err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "token request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "read token response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "token endpoint returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(body)})
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", schema.NewError(schema.ErrCodeAuth, "token endpoint returned an unusable response")
	}

	c.token = tr.AccessToken
	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= tokenExpirySlack {
		expiresIn = 5 * time.Minute
	}
	c.tokenExpiry = time.Now().Add(expiresIn - tokenExpirySlack)

	c.logger.DebugContext(ctx, "testray token refreshed", "expires_in", tr.ExpiresIn)
	return c.token, nil
}

// do executes an authenticated JSON request. A non-nil out receives the
// decoded response body. Error statuses map to coded errors: 401/403 to
// AUTH_ERROR, 404 to NOT_FOUND, everything else >= 400 to API_ERROR.
func (c *Client) do(ctx context.Context, method, rawURL string, payload, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "marshal request body").WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	} else if method == http.MethodPost {
		// The testray-rest trigger endpoints expect an empty body.
		bodyReader = strings.NewReader("")
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAPI, "%s %s failed", method, rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAPI, "read response body").WithCause(err)
	}

	c.logger.DebugContext(ctx, "testray request",
		"method", method,
		"url", rawURL,
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
		return schema.NewErrorf(code, "%s %s returned %d", method, rawURL, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(body)})
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeAPI, "decode response from %s", rawURL).WithCause(err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out any) error {
	return c.do(ctx, http.MethodPost, url, payload, out)
}

func (c *Client) putJSON(ctx context.Context, url string, payload, out any) error {
	return c.do(ctx, http.MethodPut, url, payload, out)
}

func (c *Client) patchJSON(ctx context.Context, url string, payload, out any) error {
	return c.do(ctx, http.MethodPatch, url, payload, out)
}

// page is the envelope the objects API wraps list responses in.
type page[T any] struct {
	Items []T `json:"items"`
}

// collectPages walks a paginated endpoint until a short page signals the
// last one. urlFor receives the 1-based page number.
func collectPages[T any](ctx context.Context, c *Client, pageSize int, urlFor func(page int) string) ([]T, error) {
	var all []T
	for pageNum := 1; ; pageNum++ {
		var p page[T]
		if err := c.getJSON(ctx, urlFor(pageNum), &p); err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if len(p.Items) < pageSize {
			return all, nil
		}
	}
}
