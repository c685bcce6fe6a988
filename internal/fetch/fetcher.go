// Package fetch performs source-site GETs with browser-like headers, size caps and
// bounded retries for transient failures.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"catalog-migrator/internal/config"
	"catalog-migrator/internal/telemetry"
)

// Response is the outcome of a successful fetch.
type Response struct {
	Status      int
	FinalURL    string
	ContentType string
	Body        []byte
}

// Options tunes a Fetcher. Zero values fall back to defaults.
type Options struct {
	Timeout    time.Duration
	MaxBytes   int64
	MaxRetries int
	Backoff    time.Duration
	UserAgent  string
}

// OptionsFromConfig maps runtime config onto fetch options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Timeout:    cfg.FetchTimeout,
		MaxBytes:   cfg.FetchMaxBytes,
		MaxRetries: cfg.FetchMaxRetries,
		Backoff:    cfg.FetchBackoff,
		UserAgent:  cfg.UserAgent,
	}
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *zap.Logger
}

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxBytes = 8 << 20
	defaultUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// New builds a fetcher. A nil transport uses a tuned default transport.
func New(opts Options, transport http.RoundTripper, logger *zap.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUA
	}
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:   opts,
		logger: logger,
	}
}

// Fetch GETs rawURL, retrying transient failures up to MaxRetries times.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	var lastErr *FetchError
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(attempt)
			f.logger.Debug("retrying fetch",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, classify(rawURL, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := f.once(ctx, rawURL)
		if err == nil {
			telemetry.FetchRequests.WithLabelValues("ok").Inc()
			return resp, nil
		}
		telemetry.FetchRequests.WithLabelValues(string(err.Kind)).Inc()
		lastErr = err
		if !err.Transient() || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) once(ctx context.Context, rawURL string) (*Response, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := f.client.Do(req)
	telemetry.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classify(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: KindHTTP, URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, classify(rawURL, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: errBodyTooLarge}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		Status:      resp.StatusCode,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.opts.Backoff * time.Duration(1<<(attempt-1))
	if max := 8 * f.opts.Backoff; delay > max {
		delay = max
	}
	return delay
}
