package extract

import (
	"bytes"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mitchellh/mapstructure"

	"catalog-migrator/internal/models"
)

// maxCombinations bounds the option cartesian product when a builder page has no product items.
const maxCombinations = 100

var stateAssignment = regexp.MustCompile(`window\.__[A-Za-z0-9_]+__\s*=\s*`)

type builderProduct struct {
	ID              string               `mapstructure:"id"`
	Name            string               `mapstructure:"name"`
	Description     string               `mapstructure:"description"`
	SKU             string               `mapstructure:"sku"`
	Price           float64              `mapstructure:"price"`
	DiscountedPrice float64              `mapstructure:"discountedPrice"`
	ComparePrice    float64              `mapstructure:"comparePrice"`
	Media           []builderMedia       `mapstructure:"media"`
	MediaItems      []builderMedia       `mapstructure:"mediaItems"`
	Options         []builderOption      `mapstructure:"options"`
	ProductItems    []builderItem        `mapstructure:"productItems"`
	Info            []builderInfoSection `mapstructure:"additionalInfoSections"`
}

type builderMedia struct {
	URL     string `mapstructure:"url"`
	FullURL string `mapstructure:"fullUrl"`
	Src     string `mapstructure:"src"`
}

type builderOption struct {
	ID         string             `mapstructure:"id"`
	Title      string             `mapstructure:"title"`
	Selections []builderSelection `mapstructure:"selections"`
}

type builderSelection struct {
	ID          string `mapstructure:"id"`
	Value       string `mapstructure:"value"`
	Description string `mapstructure:"description"`
}

type builderItem struct {
	ID                string   `mapstructure:"id"`
	SKU               string   `mapstructure:"sku"`
	Price             float64  `mapstructure:"price"`
	DiscountedPrice   float64  `mapstructure:"discountedPrice"`
	OptionsSelections []string `mapstructure:"optionsSelections"`
}

type builderInfoSection struct {
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`
}

// Builder reads the serialized state blob hosted site builders embed in a script tag.
type Builder struct{}

func (Builder) Kind() models.SourceKind { return models.SourceBuilder }

func (Builder) PayloadURL(link string) (string, error) { return link, nil }

// Extract never fails on a page without a state blob; it degrades to page metadata. A page
// whose blobs are all unreadable is malformed.
func (Builder) Extract(payload []byte, link string) (*models.NormalizedProduct, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, malformed(models.SourceBuilder, link, "empty document", nil)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, malformed(models.SourceBuilder, link, "parse html", err)
	}

	blobs := stateBlobs(doc)
	parsedAny := false
	var node map[string]any
	for _, blob := range blobs {
		v, ok := TryParse(blob)
		if !ok {
			continue
		}
		parsedAny = true
		if node = findProductNode(v); node != nil {
			break
		}
	}
	if len(blobs) > 0 && !parsedAny {
		return nil, malformed(models.SourceBuilder, link, "state blob unreadable", nil)
	}
	if node == nil {
		return builderFallback(doc), nil
	}

	var bp builderProduct
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       displayPriceHook,
		Result:           &bp,
	})
	if err != nil {
		return nil, malformed(models.SourceBuilder, link, "decoder", err)
	}
	if err := decoder.Decode(node); err != nil {
		return nil, malformed(models.SourceBuilder, link, "decode product node", err)
	}
	p := mapBuilderProduct(bp, doc)
	p.Categories = appendUnique(p.Categories, termNames(node["categories"])...)
	p.Tags = appendUnique(p.Tags, termNames(node["tags"])...)
	return p, nil
}

// displayPriceHook lets "$19.99" style strings land in numeric price fields.
func displayPriceHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Float64 {
		return data, nil
	}
	normalized := NormalizePrice(data.(string))
	if normalized == "" {
		return 0.0, nil
	}
	return normalized, nil
}

// stateBlobs returns JSON script bodies and the right-hand side of window.__X__ assignments.
func stateBlobs(doc *goquery.Document) [][]byte {
	var blobs [][]byte
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		typ := strings.ToLower(s.AttrOr("type", ""))
		text := s.Text()
		if strings.Contains(typ, "ld+json") {
			return
		}
		if strings.Contains(typ, "json") {
			blobs = append(blobs, []byte(text))
			return
		}
		if loc := stateAssignment.FindStringIndex(text); loc != nil {
			blobs = append(blobs, []byte(text[loc[1]:]))
		}
	})
	return blobs
}

// findProductNode prefers a map under a "product" key, then any map that looks like a product.
// The shallowest match wins and ties break on key order, so related-product lists deeper in
// the state never shadow the page's own product.
func findProductNode(v any) map[string]any {
	keyed := breadthFirst(v, func(m map[string]any) map[string]any {
		if c, ok := m["product"].(map[string]any); ok && looksLikeProduct(c) {
			return c
		}
		return nil
	})
	if keyed != nil {
		return keyed
	}
	return breadthFirst(v, func(m map[string]any) map[string]any {
		if looksLikeProduct(m) {
			return m
		}
		return nil
	})
}

const maxSearchDepth = 32

// breadthFirst visits the decoded JSON level by level, map keys in sorted order, and returns
// the first non-nil match.
func breadthFirst(root any, match func(map[string]any) map[string]any) map[string]any {
	level := []any{root}
	for depth := 0; depth <= maxSearchDepth && len(level) > 0; depth++ {
		var next []any
		for _, v := range level {
			switch t := v.(type) {
			case map[string]any:
				if m := match(t); m != nil {
					return m
				}
				keys := make([]string, 0, len(t))
				for k := range t {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					next = append(next, t[k])
				}
			case []any:
				next = append(next, t...)
			}
		}
		level = next
	}
	return nil
}

func looksLikeProduct(m map[string]any) bool {
	if _, ok := m["name"].(string); !ok {
		return false
	}
	for _, key := range []string{"price", "discountedPrice", "productItems", "options", "sku", "productType"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func mapBuilderProduct(bp builderProduct, doc *goquery.Document) *models.NormalizedProduct {
	p := &models.NormalizedProduct{
		Name:        strings.TrimSpace(bp.Name),
		Description: bp.Description,
		RawSKU:      bp.SKU,
	}
	regular, sale := builderPrices(bp.Price, bp.DiscountedPrice, bp.ComparePrice)
	p.RegularPrice, p.SalePrice = regular, sale
	for _, v := range []float64{bp.Price, bp.DiscountedPrice, bp.ComparePrice} {
		p.PriceCandidates = appendUnique(p.PriceCandidates, FormatPrice(v))
	}

	for _, m := range append(bp.Media, bp.MediaItems...) {
		for _, u := range []string{m.FullURL, m.URL, m.Src} {
			if u != "" {
				p.Images = appendUnique(p.Images, u)
				break
			}
		}
	}
	if len(p.Images) == 0 {
		p.Images = appendUnique(p.Images, metaContent(doc, `meta[property="og:image"]`))
	}
	for _, section := range bp.Info {
		if section.Title != "" && section.Description != "" && p.ShortDescription == "" {
			p.ShortDescription = section.Description
		}
	}

	for _, opt := range bp.Options {
		attr := models.Attribute{Name: opt.Title}
		for _, sel := range opt.Selections {
			attr.Values = appendUnique(attr.Values, selectionLabel(sel))
		}
		if attr.Name != "" && len(attr.Values) > 0 {
			p.Attributes = append(p.Attributes, attr)
		}
	}
	p.Variations = builderVariations(bp, regular, sale)
	return p
}

func builderPrices(price, discounted, compare float64) (regular, sale string) {
	switch {
	case compare > price && price > 0:
		return FormatPrice(compare), FormatPrice(price)
	case discounted > 0 && discounted < price:
		return FormatPrice(price), FormatPrice(discounted)
	default:
		return FormatPrice(price), ""
	}
}

func selectionLabel(sel builderSelection) string {
	if sel.Description != "" {
		return sel.Description
	}
	return sel.Value
}

// builderVariations pairs each product item with the option selections it names. Without
// items every option combination is emitted at the base price.
func builderVariations(bp builderProduct, regular, sale string) []models.Variation {
	if len(bp.Options) == 0 {
		return nil
	}
	lookup := map[string]models.Selection{}
	for _, opt := range bp.Options {
		for _, sel := range opt.Selections {
			lookup[sel.ID] = models.Selection{Name: opt.Title, Value: selectionLabel(sel)}
		}
	}

	var out []models.Variation
	for _, item := range bp.ProductItems {
		v := models.Variation{SKU: item.SKU}
		v.RegularPrice, v.SalePrice = builderPrices(item.Price, item.DiscountedPrice, 0)
		if v.RegularPrice == "" {
			v.RegularPrice, v.SalePrice = regular, sale
		}
		for _, id := range item.OptionsSelections {
			if sel, ok := lookup[id]; ok {
				v.Selections = append(v.Selections, sel)
			}
		}
		if len(v.Selections) > 0 {
			out = append(out, v)
		}
	}
	if len(out) > 0 {
		return out
	}

	combos := [][]models.Selection{nil}
	for _, opt := range bp.Options {
		var next [][]models.Selection
		for _, base := range combos {
			for _, sel := range opt.Selections {
				combo := append(append([]models.Selection(nil), base...), models.Selection{Name: opt.Title, Value: selectionLabel(sel)})
				next = append(next, combo)
				if len(next) >= maxCombinations {
					break
				}
			}
			if len(next) >= maxCombinations {
				break
			}
		}
		if len(next) == 0 {
			continue
		}
		combos = next
	}
	for _, combo := range combos {
		if len(combo) == 0 {
			continue
		}
		out = append(out, models.Variation{RegularPrice: regular, SalePrice: sale, Selections: combo})
	}
	return out
}

func builderFallback(doc *goquery.Document) *models.NormalizedProduct {
	p := &models.NormalizedProduct{
		Name:        metaContent(doc, `meta[property="og:title"]`),
		Description: metaContent(doc, `meta[property="og:description"]`),
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if amount := metaContent(doc, `meta[property="product:price:amount"]`); amount != "" {
		p.RegularPrice = NormalizePrice(amount)
		p.PriceCandidates = []string{amount}
	}
	p.Images = appendUnique(p.Images, metaContent(doc, `meta[property="og:image"]`))
	return p
}

// termNames accepts a list of strings or of objects carrying a name.
func termNames(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		for _, part := range strings.Split(t, ",") {
			if isCatalogLabel(part) {
				out = appendUnique(out, part)
			}
		}
	case []any:
		for _, item := range t {
			switch it := item.(type) {
			case string:
				if isCatalogLabel(it) {
					out = appendUnique(out, it)
				}
			case map[string]any:
				if name := scalarString(it["name"]); isCatalogLabel(name) {
					out = appendUnique(out, name)
				}
			}
		}
	}
	return out
}
