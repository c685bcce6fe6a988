package extract

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"catalog-migrator/internal/models"
)

// TitleCandidates are the theme title signatures, tried in order, most specific first.
var TitleCandidates = []Candidate{
	{Tag: "h1", Class: "product_title"},
	{Tag: "h1", Class: "product-title"},
	{Tag: "div", Class: "product-title"},
	{Tag: "h1", Class: "entry-title"},
}

// HeadingFallback is tried after the structured Product name, so a logo or banner heading
// never beats it.
var HeadingFallback = []Candidate{{Tag: "h1"}}

// SelfHosted scrapes storefront HTML from self-hosted shops.
type SelfHosted struct{}

func (SelfHosted) Kind() models.SourceKind { return models.SourceSelfHosted }

func (SelfHosted) PayloadURL(link string) (string, error) { return link, nil }

func (SelfHosted) Extract(payload []byte, link string) (*models.NormalizedProduct, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, malformed(models.SourceSelfHosted, link, "empty document", nil)
	}
	if !bytes.Contains(payload, []byte("<")) {
		return nil, malformed(models.SourceSelfHosted, link, "payload is not markup", nil)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, malformed(models.SourceSelfHosted, link, "parse html", err)
	}

	nodes := structuredNodes(doc)
	ld := firstOfType(nodes, "Product", "ProductGroup")
	page := firstOfType(nodes, "WebPage", "ItemPage")

	p := &models.NormalizedProduct{}
	if span, ok := OuterSpan(string(payload), TitleCandidates); ok {
		p.Name = SpanText(string(payload), span)
	}
	if p.Name == "" && ld != nil {
		p.Name = scalarString(ld["name"])
	}
	if p.Name == "" {
		if span, ok := OuterSpan(string(payload), HeadingFallback); ok {
			p.Name = SpanText(string(payload), span)
		}
	}
	if p.Name == "" && page != nil {
		p.Name = scalarString(page["name"])
	}
	if p.Name == "" {
		p.Name = metaContent(doc, `meta[property="og:title"]`)
	}

	p.Description = firstHTML(doc, "#tab-description", ".woocommerce-Tabs-panel--description", ".product-description", `[itemprop="description"]`)
	if p.Description == "" && ld != nil {
		p.Description = scalarString(ld["description"])
	}
	p.ShortDescription = firstHTML(doc, ".woocommerce-product-details__short-description", ".product-short-description")

	prices := Prices(doc, ld)
	p.RegularPrice, p.SalePrice, p.PriceCandidates = prices.Regular, prices.Sale, prices.Candidates

	p.RawSKU = strings.TrimSpace(doc.Find(".sku").First().Text())
	if p.RawSKU == "" {
		p.RawSKU = strings.TrimSpace(doc.Find(`[itemprop="sku"]`).First().AttrOr("content", doc.Find(`[itemprop="sku"]`).First().Text()))
	}
	if p.RawSKU == "" && ld != nil {
		p.RawSKU = scalarString(ld["sku"])
	}

	p.Images = galleryImages(doc, ld)
	p.Categories, p.Tags = taxonomy(doc, ld)
	p.Attributes = attributeTable(doc)
	p.Variations, p.Attributes = embeddedVariations(doc, p.Attributes)
	return p, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
}

func firstHTML(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if h, err := s.Html(); err == nil && strings.TrimSpace(h) != "" {
			return strings.TrimSpace(h)
		}
	}
	return ""
}

func galleryImages(doc *goquery.Document, ld map[string]any) []string {
	var images []string
	doc.Find(".woocommerce-product-gallery__image").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Find("a").First().Attr("href"); ok {
			images = appendUnique(images, href)
			return
		}
		img := s.Find("img").First()
		for _, attr := range []string{"data-large_image", "data-src", "src"} {
			if v, ok := img.Attr(attr); ok && v != "" {
				images = appendUnique(images, v)
				return
			}
		}
	})
	doc.Find("img.wp-post-image, .product-gallery img, .product-images img").Each(func(_ int, s *goquery.Selection) {
		images = appendUnique(images, s.AttrOr("data-large_image", s.AttrOr("src", "")))
	})
	if ld != nil {
		images = appendUnique(images, imageURLs(ld["image"])...)
	}
	if len(images) == 0 {
		images = appendUnique(images, metaContent(doc, `meta[property="og:image"]`))
	}
	return images
}

func taxonomy(doc *goquery.Document, ld map[string]any) (categories, tags []string) {
	doc.Find(".posted_in a, a[href*='/product-category/']").Each(func(_ int, s *goquery.Selection) {
		if label := strings.TrimSpace(s.Text()); isCatalogLabel(label) {
			categories = appendUnique(categories, label)
		}
	})
	doc.Find(".tagged_as a, a[href*='/product-tag/']").Each(func(_ int, s *goquery.Selection) {
		if label := strings.TrimSpace(s.Text()); isCatalogLabel(label) {
			tags = appendUnique(tags, label)
		}
	})
	doc.Find(`a[rel~="tag"]`).Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Text())
		if !isCatalogLabel(label) {
			return
		}
		if strings.Contains(s.AttrOr("href", ""), "/product-tag/") {
			tags = appendUnique(tags, label)
		} else {
			categories = appendUnique(categories, label)
		}
	})
	if len(categories) == 0 {
		doc.Find(".woocommerce-breadcrumb a, nav.breadcrumb a, .breadcrumb a, .breadcrumbs a").Each(func(_ int, s *goquery.Selection) {
			if label := strings.TrimSpace(s.Text()); isCatalogLabel(label) {
				categories = appendUnique(categories, label)
			}
		})
	}
	if len(categories) == 0 && ld != nil {
		for _, c := range strings.Split(scalarString(ld["category"]), ">") {
			if isCatalogLabel(c) {
				categories = appendUnique(categories, c)
			}
		}
	}
	return categories, tags
}

func attributeTable(doc *goquery.Document) []models.Attribute {
	var attrs []models.Attribute
	doc.Find("table.woocommerce-product-attributes tr, table.shop_attributes tr").Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find("th").First().Text())
		raw := strings.TrimSpace(s.Find("td").First().Text())
		if name == "" || raw == "" {
			return
		}
		var values []string
		for _, v := range strings.Split(raw, ",") {
			values = appendUnique(values, v)
		}
		attrs = append(attrs, models.Attribute{Name: name, Values: values})
	})
	return attrs
}

type embeddedVariation struct {
	Attributes        map[string]any `json:"attributes"`
	SKU               string         `json:"sku"`
	DisplayPrice      float64        `json:"display_price"`
	DisplayRegular    float64        `json:"display_regular_price"`
	VariationIsActive *bool          `json:"variation_is_active"`
}

// embeddedVariations reads the variations JSON storefronts embed on the add-to-cart form and
// merges any option names it introduces into attrs.
func embeddedVariations(doc *goquery.Document, attrs []models.Attribute) ([]models.Variation, []models.Attribute) {
	raw, ok := doc.Find("form.variations_form").First().Attr("data-product_variations")
	if !ok || raw == "" || raw == "false" {
		return nil, attrs
	}
	var embedded []embeddedVariation
	if err := json.Unmarshal([]byte(raw), &embedded); err != nil {
		return nil, attrs
	}
	var out []models.Variation
	for _, ev := range embedded {
		if ev.VariationIsActive != nil && !*ev.VariationIsActive {
			continue
		}
		v := models.Variation{SKU: ev.SKU}
		regular, price := ev.DisplayRegular, ev.DisplayPrice
		if regular <= 0 {
			regular = price
		}
		v.RegularPrice = FormatPrice(regular)
		if price > 0 && price < regular {
			v.SalePrice = FormatPrice(price)
		}
		keys := make([]string, 0, len(ev.Attributes))
		for key := range ev.Attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			name := attributeLabel(key)
			value := scalarString(ev.Attributes[key])
			v.Selections = append(v.Selections, models.Selection{Name: name, Value: value})
			attrs = mergeAttribute(attrs, name, value)
		}
		out = append(out, v)
	}
	return out, attrs
}

func attributeLabel(key string) string {
	key = strings.TrimPrefix(key, "attribute_")
	key = strings.TrimPrefix(key, "pa_")
	key = strings.ReplaceAll(key, "-", " ")
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

func mergeAttribute(attrs []models.Attribute, name, value string) []models.Attribute {
	for i := range attrs {
		if strings.EqualFold(attrs[i].Name, name) {
			if value != "" {
				attrs[i].Values = appendUnique(attrs[i].Values, value)
			}
			return attrs
		}
	}
	attr := models.Attribute{Name: name}
	if value != "" {
		attr.Values = []string{value}
	}
	return append(attrs, attr)
}
