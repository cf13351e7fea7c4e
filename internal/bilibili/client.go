// Package bilibili talks to the video platform that hosts archived live
// recordings: WBI request signing, stream resolution and ranged downloads.
package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAPIBaseURL  = "https://api.bilibili.com"
	defaultAPITimeout  = 30 * time.Second
	defaultProgressGap = 1 << 20
)

// Config configures a Client. HTTPClient must not carry a global timeout:
// ranged downloads of large audio files may legitimately take many minutes.
type Config struct {
	HTTPClient    *http.Client
	APIBaseURL    string
	SessData      string
	UserAgent     string
	Referer       string
	APITimeout    time.Duration
	ProgressEvery int64
	Logger        *zap.Logger
	// Now is the signing clock; nil means time.Now.
	Now func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	http          *http.Client
	baseURL       string
	sessData      string
	userAgent     string
	referer       string
	apiTimeout    time.Duration
	progressEvery int64
	logger        *zap.Logger
	now           func() time.Time
}

// NewClient constructs a Client from cfg, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		http:          cfg.HTTPClient,
		baseURL:       strings.TrimSuffix(cfg.APIBaseURL, "/"),
		sessData:      cfg.SessData,
		userAgent:     cfg.UserAgent,
		referer:       cfg.Referer,
		apiTimeout:    cfg.APITimeout,
		progressEvery: cfg.ProgressEvery,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.baseURL == "" {
		c.baseURL = defaultAPIBaseURL
	}
	if c.apiTimeout <= 0 {
		c.apiTimeout = defaultAPITimeout
	}
	if c.progressEvery <= 0 {
		c.progressEvery = defaultProgressGap
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// envelope is the common wrapper around every JSON API response.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// getJSON performs an API call and decodes data into out. A non-zero
// platform code yields *APIError; out is still filled when data is present.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, rawQuery string, withCookie bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.apiTimeout)
	defer cancel()

	endpoint := c.baseURL + path
	if rawQuery == "" {
		rawQuery = query.Encode()
	}
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	c.setHeaders(req, withCookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck
		return &APIError{Endpoint: path, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if len(env.Data) > 0 && string(env.Data) != "null" && out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	if env.Code != 0 {
		return &APIError{Endpoint: path, Code: env.Code, Message: env.Message}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, withCookie bool) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	if withCookie && c.sessData != "" {
		req.AddCookie(&http.Cookie{Name: "SESSDATA", Value: c.sessData})
	}
}

func isAPICode(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
