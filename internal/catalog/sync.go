package catalog

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalog-migrator/internal/models"
)

// TermKind is the catalog taxonomy path segment.
type TermKind string

const (
	Categories TermKind = "categories"
	Tags       TermKind = "tags"
)

// TermRef is a stable reference to a category or tag.
type TermRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Terms are the taxonomy references one product is filed under.
type Terms struct {
	Categories []TermRef
	Tags       []TermRef
}

// UpsertResult describes what the catalog now holds for a product.
type UpsertResult struct {
	ID              int64
	Name            string
	Updated         bool
	Variations      int
	VariationErrors int
}

// Syncer performs idempotent catalog writes through one tenant's client.
type Syncer struct {
	client *Client
	fanout int
	logger *zap.Logger
}

func NewSyncer(client *Client, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{client: client, fanout: 4, logger: logger}
}

type remoteTerm struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// EnsureTerms finds or creates every named term and returns references in input order.
// Names are matched case-insensitively after HTML unescaping.
func (s *Syncer) EnsureTerms(ctx context.Context, kind TermKind, names []string) ([]TermRef, error) {
	var refs []TermRef
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.TrimSpace(html.UnescapeString(name))
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		ref, err := s.ensureTerm(ctx, kind, name)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Syncer) ensureTerm(ctx context.Context, kind TermKind, name string) (TermRef, error) {
	path := "products/" + string(kind)
	if ref, ok, err := s.findTerm(ctx, path, name); err != nil || ok {
		return ref, err
	}

	var created remoteTerm
	err := s.client.Post(ctx, path, map[string]string{"name": name}, &created)
	if err == nil {
		return TermRef{ID: created.ID, Name: created.Name}, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Conflict() {
		return TermRef{}, &SyncError{Op: "create " + string(kind), Item: name, Err: err}
	}
	if apiErr.ResourceID > 0 {
		return TermRef{ID: apiErr.ResourceID, Name: name}, nil
	}
	// Another job probably created it between our lookup and create.
	ref, ok, findErr := s.findTerm(ctx, path, name)
	if findErr != nil {
		return TermRef{}, &SyncError{Op: "requery " + string(kind), Item: name, Err: findErr}
	}
	if !ok {
		return TermRef{}, &SyncError{Op: "create " + string(kind), Item: name, Err: err}
	}
	return ref, nil
}

func (s *Syncer) findTerm(ctx context.Context, path, name string) (TermRef, bool, error) {
	var found []remoteTerm
	q := url.Values{"search": {name}, "per_page": {"100"}}
	if err := s.client.Get(ctx, path, q, &found); err != nil {
		return TermRef{}, false, &SyncError{Op: "find " + path, Item: name, Err: err}
	}
	for _, t := range found {
		if strings.EqualFold(strings.TrimSpace(html.UnescapeString(t.Name)), name) {
			return TermRef{ID: t.ID, Name: name}, true, nil
		}
	}
	return TermRef{}, false, nil
}

type remoteProduct struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	SKU  string `json:"sku"`
	Slug string `json:"slug"`
}

// Upsert looks the product up by SKU, then by slug, and updates it when found or creates it
// otherwise. Variations are written afterwards; a failed variation is counted, not fatal.
func (s *Syncer) Upsert(ctx context.Context, p *models.NormalizedProduct, terms Terms) (UpsertResult, error) {
	slug := productSlug(p)
	existing, err := s.findProduct(ctx, p.SKU, slug)
	if err != nil {
		return UpsertResult{}, err
	}

	payload := productPayload(p, terms)
	var saved remoteProduct
	result := UpsertResult{}
	if existing != nil {
		if err := s.client.Put(ctx, fmt.Sprintf("products/%d", existing.ID), payload, &saved); err != nil {
			return UpsertResult{}, &SyncError{Op: "update product", Item: p.ItemKey(), Err: err}
		}
		result.Updated = true
		if saved.ID == 0 {
			saved.ID = existing.ID
		}
	} else {
		if slug != "" {
			payload["slug"] = slug
		}
		if err := s.client.Post(ctx, "products", payload, &saved); err != nil {
			return UpsertResult{}, &SyncError{Op: "create product", Item: p.ItemKey(), Err: err}
		}
	}
	result.ID = saved.ID
	result.Name = saved.Name
	if result.Name == "" {
		result.Name = p.Name
	}

	if p.IsVariable() {
		result.Variations, result.VariationErrors = s.syncVariations(ctx, result.ID, p)
	}
	return result, nil
}

func (s *Syncer) findProduct(ctx context.Context, sku, slug string) (*remoteProduct, error) {
	lookups := []url.Values{}
	if sku != "" {
		lookups = append(lookups, url.Values{"sku": {sku}})
	}
	if slug != "" {
		lookups = append(lookups, url.Values{"slug": {slug}})
	}
	for _, q := range lookups {
		var found []remoteProduct
		if err := s.client.Get(ctx, "products", q, &found); err != nil {
			return nil, &SyncError{Op: "find product", Item: q.Encode(), Err: err}
		}
		if len(found) > 0 {
			return &found[0], nil
		}
	}
	return nil, nil
}

func productPayload(p *models.NormalizedProduct, terms Terms) map[string]any {
	payload := map[string]any{
		"name":              p.Name,
		"description":       p.Description,
		"short_description": p.ShortDescription,
		"regular_price":     p.RegularPrice,
		"sale_price":        p.SalePrice,
		"type":              "simple",
	}
	if p.SKU != "" {
		payload["sku"] = p.SKU
	}
	if p.IsVariable() {
		payload["type"] = "variable"
		delete(payload, "regular_price")
		delete(payload, "sale_price")
	}

	images := make([]map[string]string, 0, len(p.Images))
	for _, src := range p.Images {
		images = append(images, map[string]string{"src": src})
	}
	payload["images"] = images
	payload["categories"] = idRefs(terms.Categories)
	payload["tags"] = idRefs(terms.Tags)

	attrs := make([]map[string]any, 0, len(p.Attributes))
	for i, a := range p.Attributes {
		attrs = append(attrs, map[string]any{
			"name":      a.Name,
			"position":  i,
			"visible":   true,
			"variation": p.IsVariable(),
			"options":   a.Values,
		})
	}
	payload["attributes"] = attrs
	return payload
}

func idRefs(refs []TermRef) []map[string]int64 {
	out := make([]map[string]int64, 0, len(refs))
	for _, r := range refs {
		out = append(out, map[string]int64{"id": r.ID})
	}
	return out
}

type remoteVariation struct {
	ID         int64  `json:"id"`
	SKU        string `json:"sku"`
	Attributes []struct {
		Name   string `json:"name"`
		Option string `json:"option"`
	} `json:"attributes"`
}

func (v remoteVariation) key() string {
	sels := make([]models.Selection, 0, len(v.Attributes))
	for _, a := range v.Attributes {
		sels = append(sels, models.Selection{Name: a.Name, Value: a.Option})
	}
	return selectionKey(sels)
}

func selectionKey(sels []models.Selection) string {
	parts := make([]string, 0, len(sels))
	for _, s := range sels {
		parts = append(parts, strings.ToLower(s.Name)+"="+strings.ToLower(s.Value))
	}
	return strings.Join(parts, "|")
}

// syncVariations writes every variation under parentID with bounded concurrency and returns
// the number written and the number that failed.
func (s *Syncer) syncVariations(ctx context.Context, parentID int64, p *models.NormalizedProduct) (int, int) {
	path := fmt.Sprintf("products/%d/variations", parentID)
	log := s.logger.With(zap.Int64("product_id", parentID), zap.String("item", p.ItemKey()))

	var existing []remoteVariation
	if err := s.client.Get(ctx, path, url.Values{"per_page": {"100"}}, &existing); err != nil {
		log.Warn("list variations failed, creating all", zap.Error(err))
		existing = nil
	}
	bySKU := map[string]int64{}
	byKey := map[string]int64{}
	for _, v := range existing {
		if v.SKU != "" {
			bySKU[strings.ToLower(v.SKU)] = v.ID
		}
		byKey[v.key()] = v.ID
	}

	var (
		mu     sync.Mutex
		ok     int
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for _, v := range p.Variations {
		v := v
		g.Go(func() error {
			id := byKey[selectionKey(v.Selections)]
			if v.SKU != "" {
				if bySKU[strings.ToLower(v.SKU)] != 0 {
					id = bySKU[strings.ToLower(v.SKU)]
				}
			}
			err := s.writeVariation(gctx, path, id, v)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.Warn("variation sync failed", zap.String("selection", selectionKey(v.Selections)), zap.Error(err))
				return nil
			}
			ok++
			return nil
		})
	}
	_ = g.Wait()
	return ok, failed
}

func (s *Syncer) writeVariation(ctx context.Context, path string, id int64, v models.Variation) error {
	attrs := make([]map[string]string, 0, len(v.Selections))
	for _, sel := range v.Selections {
		attrs = append(attrs, map[string]string{"name": sel.Name, "option": sel.Value})
	}
	body := map[string]any{
		"regular_price": v.RegularPrice,
		"sale_price":    v.SalePrice,
		"attributes":    attrs,
	}
	if v.SKU != "" {
		body["sku"] = v.SKU
	}
	if id != 0 {
		return s.client.Put(ctx, fmt.Sprintf("%s/%d", path, id), body, nil)
	}
	return s.client.Post(ctx, path, body, nil)
}

const maxSlugBytes = 190

// Slugify lowercases name and joins runs of letters and digits, in any script, with hyphens.
// The result is cut to maxSlugBytes on a rune boundary.
func Slugify(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(html.UnescapeString(name)) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r) {
			pendingDash = b.Len() > 0
			continue
		}
		need := utf8.RuneLen(r)
		if pendingDash {
			need++
		}
		if b.Len()+need > maxSlugBytes {
			break
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// productSlug slugs the product name, falling back to the last path segment of its source
// URL when the name has no letters or digits.
func productSlug(p *models.NormalizedProduct) string {
	if slug := Slugify(p.Name); slug != "" {
		return slug
	}
	u, err := url.Parse(p.SourceURL)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	return Slugify(strings.TrimSuffix(path[strings.LastIndex(path, "/")+1:], ".html"))
}
