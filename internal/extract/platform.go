package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"catalog-migrator/internal/models"
)

// Platform reads the hosted commerce platform's public product JSON instead of scraping HTML.
type Platform struct{}

func (Platform) Kind() models.SourceKind { return models.SourcePlatform }

// Handle returns the path segment following "products" in a product URL.
func Handle(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "products" && i+1 < len(segments) {
			handle := strings.TrimSuffix(strings.TrimSuffix(segments[i+1], ".json"), ".js")
			if handle != "" {
				return handle, nil
			}
		}
	}
	return "", fmt.Errorf("no product handle in %q", link)
}

// PayloadURL maps a storefront link to {origin}/products/{handle}.json.
func (Platform) PayloadURL(link string) (string, error) {
	handle, err := Handle(link)
	if err != nil {
		return "", malformed(models.SourcePlatform, link, "product handle", err)
	}
	u, _ := url.Parse(link)
	return fmt.Sprintf("%s://%s/products/%s.json", u.Scheme, u.Host, url.PathEscape(handle)), nil
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexList accepts a comma separated string or an array of strings.
type flexList []string

func (l *flexList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*l = appendUnique(nil, items...)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*l = appendUnique(nil, strings.Split(s, ",")...)
	return nil
}

type platformVariant struct {
	ID             flexString `json:"id"`
	Title          string     `json:"title"`
	SKU            string     `json:"sku"`
	Price          flexString `json:"price"`
	CompareAtPrice flexString `json:"compare_at_price"`
	Option1        *string    `json:"option1"`
	Option2        *string    `json:"option2"`
	Option3        *string    `json:"option3"`
}

type platformOption struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type platformImage struct {
	Src string `json:"src"`
}

type platformProduct struct {
	Title       string            `json:"title"`
	BodyHTML    string            `json:"body_html"`
	Handle      string            `json:"handle"`
	ProductType string            `json:"product_type"`
	Vendor      string            `json:"vendor"`
	Tags        flexList          `json:"tags"`
	Variants    []platformVariant `json:"variants"`
	Options     []platformOption  `json:"options"`
	Images      []platformImage   `json:"images"`
	Image       *platformImage    `json:"image"`
}

func (Platform) Extract(payload []byte, link string) (*models.NormalizedProduct, error) {
	var envelope struct {
		Product *platformProduct `json:"product"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, malformed(models.SourcePlatform, link, "decode product json", err)
	}
	if envelope.Product == nil {
		return nil, malformed(models.SourcePlatform, link, "missing product object", nil)
	}
	pp := envelope.Product

	p := &models.NormalizedProduct{
		Name:        strings.TrimSpace(pp.Title),
		Description: pp.BodyHTML,
		Tags:        []string(pp.Tags),
	}
	if isCatalogLabel(pp.ProductType) {
		p.Categories = []string{strings.TrimSpace(pp.ProductType)}
	}
	for _, img := range pp.Images {
		p.Images = appendUnique(p.Images, img.Src)
	}
	if pp.Image != nil {
		p.Images = appendUnique(p.Images, pp.Image.Src)
	}
	for _, opt := range pp.Options {
		if isDefaultOption(opt) {
			continue
		}
		p.Attributes = append(p.Attributes, models.Attribute{Name: opt.Name, Values: appendUnique(nil, opt.Values...)})
	}

	for i, v := range pp.Variants {
		regular, sale := platformPrices(v)
		p.PriceCandidates = appendUnique(p.PriceCandidates, string(v.Price), string(v.CompareAtPrice))
		if i == 0 {
			p.RegularPrice, p.SalePrice, p.RawSKU = regular, sale, v.SKU
		}
		if len(p.Attributes) == 0 {
			continue
		}
		variation := models.Variation{SKU: v.SKU, RegularPrice: regular, SalePrice: sale}
		for idx, opt := range []*string{v.Option1, v.Option2, v.Option3} {
			if opt == nil || idx >= len(pp.Options) {
				continue
			}
			variation.Selections = append(variation.Selections, models.Selection{Name: pp.Options[idx].Name, Value: *opt})
		}
		p.Variations = append(p.Variations, variation)
	}
	return p, nil
}

func isDefaultOption(opt platformOption) bool {
	return strings.EqualFold(opt.Name, "Title") && len(opt.Values) == 1 && strings.EqualFold(opt.Values[0], "Default Title")
}

func platformPrices(v platformVariant) (regular, sale string) {
	price := NormalizePrice(string(v.Price))
	compare := NormalizePrice(string(v.CompareAtPrice))
	if compare != "" && lessThan(price, compare) {
		return compare, price
	}
	return price, ""
}
