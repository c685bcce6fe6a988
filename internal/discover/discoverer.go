// Package discover enumerates product URLs on a source site by walking listing, pagination
// and sitemap pages.
package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"catalog-migrator/internal/config"
	"catalog-migrator/internal/models"
)

// Options tunes a Discoverer. Zero values fall back to defaults.
type Options struct {
	MaxPages    int
	Parallelism int
	UserAgent   string
	Timeout     time.Duration
	Transport   http.RoundTripper
}

// OptionsFromConfig maps runtime config onto discovery options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxPages:    cfg.DiscoverMaxPages,
		Parallelism: cfg.DiscoverParallel,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.FetchTimeout,
	}
}

// Discoverer is safe for concurrent use; every Discover call builds its own collector.
type Discoverer struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Discoverer {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{opts: opts, logger: logger}
}

// crawl is the mutable state of one Discover call.
type crawl struct {
	mu       sync.Mutex
	kind     models.SourceKind
	seed     string
	seedHost string
	cap      int
	seen     map[string]bool
	links    []string
	pages    int
	fresh    map[string]int
	listings map[string][]string
	seedErr  error
	seedOK   bool
}

func (c *crawl) full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links) >= c.cap
}

// addProduct records a product link and reports whether it was new.
func (c *crawl) addProduct(page, raw string) bool {
	key, ok := NormalizeURL(raw)
	if !ok {
		return false
	}
	link, _ := CleanURL(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[key] || len(c.links) >= c.cap {
		return false
	}
	c.seen[key] = true
	c.links = append(c.links, link)
	c.fresh[page]++
	return true
}

func (c *crawl) addListing(page, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[page] = append(c.listings[page], raw)
}

// takeListings returns the listing links found on page when the page produced new products
// or is the seed; otherwise the branch stops.
func (c *crawl) takeListings(page string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	links := c.listings[page]
	delete(c.listings, page)
	if page != c.seed && c.fresh[page] == 0 {
		return nil
	}
	return links
}

// Discover walks siteURL and returns up to cap distinct product URLs. A seed ending in
// .xml is read as a sitemap. Only an unreachable seed is an error; other page failures are
// logged and skipped.
func (d *Discoverer) Discover(ctx context.Context, kind models.SourceKind, siteURL string, cap int) ([]string, error) {
	seedURL, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil || seedURL.Host == "" || (seedURL.Scheme != "http" && seedURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid site url %q", siteURL)
	}
	if _, ok := productRoutes[kind]; !ok {
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	state := &crawl{
		kind:     kind,
		seed:     pageKey(seedURL.String()),
		seedHost: seedURL.Hostname(),
		cap:      ClampCap(cap),
		seen:     map[string]bool{},
		fresh:    map[string]int{},
		listings: map[string][]string{},
	}
	log := d.logger.With(zap.String("site", state.seed), zap.String("source", string(kind)))

	collector := colly.NewCollector(
		colly.Async(d.opts.Parallelism > 1),
		colly.StdlibContext(ctx),
	)
	if d.opts.UserAgent != "" {
		collector.UserAgent = d.opts.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(d.opts.Timeout)
	if d.opts.Transport != nil {
		collector.WithTransport(d.opts.Transport)
	}
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: d.opts.Parallelism}); err != nil {
		return nil, fmt.Errorf("configure discovery limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || state.full() {
			r.Abort()
			return
		}
		state.mu.Lock()
		state.pages++
		over := state.pages > d.opts.MaxPages
		state.mu.Unlock()
		if over {
			r.Abort()
			return
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	collector.OnError(func(r *colly.Response, err error) {
		page := pageKey(r.Request.URL.String())
		if page == state.seed {
			state.mu.Lock()
			state.seedErr = err
			state.mu.Unlock()
			return
		}
		log.Warn("discovery page failed", zap.String("page", page), zap.Int("status", r.StatusCode), zap.Error(err))
	})

	collector.OnHTML("a[href], link[rel=next]", func(e *colly.HTMLElement) {
		page := pageKey(e.Request.URL.String())
		abs := e.Request.AbsoluteURL(e.Attr("href"))
		u, err := url.Parse(abs)
		if err != nil || !sameSite(u.Hostname(), state.seedHost) {
			return
		}
		if IsProductLink(kind, abs) {
			state.addProduct(page, abs)
			return
		}
		rel := strings.ToLower(e.Attr("rel"))
		class := strings.ToLower(e.Attr("class"))
		if strings.Contains(rel, "next") || strings.Contains(class, "next") || strings.Contains(class, "page-numbers") || isListingLink(kind, u) {
			u.Fragment = ""
			state.addListing(page, u.String())
		}
	})

	collector.OnXML("//sitemap/loc", func(e *colly.XMLElement) {
		if loc := strings.TrimSpace(e.Text); loc != "" {
			visit(e.Request, loc, log)
		}
	})
	collector.OnXML("//url/loc", func(e *colly.XMLElement) {
		if loc := strings.TrimSpace(e.Text); IsProductLink(kind, loc) {
			state.addProduct(pageKey(e.Request.URL.String()), loc)
		}
	})

	collector.OnScraped(func(r *colly.Response) {
		page := pageKey(r.Request.URL.String())
		if page == state.seed {
			state.mu.Lock()
			state.seedOK = true
			state.mu.Unlock()
		}
		for _, link := range state.takeListings(page) {
			visit(r.Request, link, log)
		}
	})

	visitErr := collector.Visit(seedURL.String())
	collector.Wait()

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.seedErr == nil && !state.seedOK && visitErr != nil {
		state.seedErr = visitErr
	}
	if state.seedErr != nil {
		return nil, fmt.Errorf("discover %s: seed unreachable: %w", state.seed, state.seedErr)
	}
	if err := ctx.Err(); err != nil && len(state.links) == 0 {
		return nil, err
	}
	log.Info("discovery finished", zap.Int("links", len(state.links)), zap.Int("pages", state.pages))
	return append([]string(nil), state.links...), nil
}

func visit(r *colly.Request, link string, log *zap.Logger) {
	// colly reports already-visited and aborted links as errors; they are expected here.
	if err := r.Visit(link); err != nil {
		log.Debug("skip discovery link", zap.String("link", link), zap.Error(err))
	}
}

// pageKey identifies a crawled page independent of trailing slashes and host case.
func pageKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
