package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"catalog-migrator/internal/fetch"
	"catalog-migrator/internal/models"
)

// Fetcher is the subset of fetch.Fetcher the service needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// Cache stores extractions keyed by source URL and payload fingerprint.
type Cache interface {
	Lookup(ctx context.Context, url, contentHash string) (*models.NormalizedProduct, bool, error)
	Save(ctx context.Context, url, contentHash string, product *models.NormalizedProduct) error
}

// Outcome is a finalized extraction plus whether it came from the cache.
type Outcome struct {
	Product    *models.NormalizedProduct
	Cached     bool
	PayloadURL string
}

// Service fetches, fingerprints, extracts and finalizes products. Preview and the queue worker
// share it so they share cached extractions.
type Service struct {
	fetcher    Fetcher
	cache      Cache
	strategies map[models.SourceKind]Strategy
	logger     *zap.Logger
}

// NewService wires the built-in strategies. cache may be nil.
func NewService(fetcher Fetcher, cache Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		fetcher:    fetcher,
		cache:      cache,
		strategies: Strategies(),
		logger:     logger,
	}
}

// Extract runs the pipeline for one link. Fetch errors are returned as-is so callers can
// classify them; cache failures are logged and ignored.
func (s *Service) Extract(ctx context.Context, kind models.SourceKind, link string) (*Outcome, error) {
	strategy, ok := s.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("no extraction strategy for source %q", kind)
	}
	payloadURL, err := strategy.PayloadURL(link)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetcher.Fetch(ctx, payloadURL)
	if err != nil {
		return nil, err
	}
	hash := Fingerprint(resp.Body)
	log := s.logger.With(zap.String("url", link), zap.String("source", string(kind)))

	if s.cache != nil {
		cached, hit, err := s.cache.Lookup(ctx, link, hash)
		if err != nil {
			log.Warn("cache lookup failed", zap.Error(err))
		}
		if hit {
			return &Outcome{Product: cached, Cached: true, PayloadURL: payloadURL}, nil
		}
	}

	product, err := strategy.Extract(resp.Body, link)
	if err != nil {
		return nil, err
	}
	base := resp.FinalURL
	if base == "" {
		base = link
	}
	Finalize(product, link, base, hash)

	if s.cache != nil {
		if err := s.cache.Save(ctx, link, hash, product); err != nil {
			log.Warn("cache save failed", zap.Error(err))
		}
	}
	return &Outcome{Product: product, PayloadURL: payloadURL}, nil
}

// Fingerprint is the hex sha256 of a raw payload.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Finalize applies the invariants every product leaves extraction with: source URL and
// fingerprint set, name never empty, absolute deduped images, normalized SKUs, sanitized HTML.
func Finalize(p *models.NormalizedProduct, link, base, fingerprint string) {
	p.SourceURL = link
	p.Fingerprint = fingerprint
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = link
	}

	baseURL, _ := url.Parse(base)
	var images []string
	for _, img := range p.Images {
		if abs := absoluteURL(baseURL, img); abs != "" {
			images = appendUnique(images, abs)
		}
	}
	p.Images = images

	if p.RawSKU == "" {
		p.RawSKU = p.SKU
	}
	p.SKU = NormalizeSKU(p.RawSKU)
	for i := range p.Variations {
		p.Variations[i].SKU = NormalizeSKU(p.Variations[i].SKU)
	}

	p.Description = Sanitize(p.Description)
	p.ShortDescription = Sanitize(p.ShortDescription)
	p.Categories = appendUnique(nil, p.Categories...)
	p.Tags = appendUnique(nil, p.Tags...)
}

func absoluteURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}

var skuPrefix = regexp.MustCompile(`(?i)^\s*(?:sku|item\s*no|article\s*no)\.?\s*(?:[:#]\s*|\s+)`)

// NormalizeSKU strips label prefixes such as "SKU:" and all whitespace.
func NormalizeSKU(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "n/a") {
		return ""
	}
	s = skuPrefix.ReplaceAllString(s, "")
	return whitespaceRun.ReplaceAllString(s, "")
}
