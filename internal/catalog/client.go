// Package catalog talks to the target store's catalog REST API and reconciles normalized
// products, categories, tags and variations against it.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"catalog-migrator/internal/config"
	"catalog-migrator/internal/telemetry"
)

const (
	AuthBasic = "basic"
	AuthQuery = "query"

	maxResponseBytes = 4 << 20
)

// Credentials identify one tenant's catalog. They travel with the client; nothing about
// authentication is read from process state per request.
type Credentials struct {
	BaseURL  string
	Key      string
	Secret   string
	AuthMode string
}

// CredentialsFromConfig returns the default tenant's credentials.
func CredentialsFromConfig(cfg config.Config) Credentials {
	return Credentials{
		BaseURL:  cfg.CatalogBaseURL,
		Key:      cfg.CatalogKey,
		Secret:   cfg.CatalogSecret,
		AuthMode: cfg.CatalogAuthMode,
	}
}

// ClientOptions tunes transport behaviour. Zero values fall back to defaults.
type ClientOptions struct {
	Timeout       time.Duration
	RatePerSecond float64
	Transport     http.RoundTripper
}

type Client struct {
	creds      Credentials
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewClient(creds Credentials, opts ClientOptions, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(creds.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid catalog base url %q", creds.BaseURL)
	}
	if creds.AuthMode == "" {
		creds.AuthMode = AuthBasic
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	burst := int(opts.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		creds:      creds,
		base:       base,
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		logger:     logger,
	}, nil
}

// Get decodes the JSON response of GET path?query into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}

	target := c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(path, "/")})
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if c.creds.AuthMode == AuthQuery {
		q.Set("consumer_key", c.creds.Key)
		q.Set("consumer_secret", c.creds.Secret)
	}
	target.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.AuthMode == AuthBasic && c.creds.Key != "" {
		req.SetBasicAuth(c.creds.Key, c.creds.Secret)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.CatalogRequests.WithLabelValues(method, "network").Inc()
		return &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	telemetry.CatalogRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}
	c.logger.Debug("catalog request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(method, path, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
