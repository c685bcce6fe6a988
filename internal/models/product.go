package models

// NormalizedProduct is the platform-agnostic record every extraction strategy produces.
type NormalizedProduct struct {
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	ShortDescription string      `json:"short_description"`
	RegularPrice     string      `json:"regular_price"`
	SalePrice        string      `json:"sale_price"`
	SKU              string      `json:"sku"`
	RawSKU           string      `json:"raw_sku"`
	Images           []string    `json:"images"`
	Categories       []string    `json:"categories"`
	Tags             []string    `json:"tags"`
	Attributes       []Attribute `json:"attributes"`
	Variations       []Variation `json:"variations,omitempty"`
	PriceCandidates  []string    `json:"price_candidates,omitempty"`

	SourceURL   string `json:"source_url"`
	Fingerprint string `json:"fingerprint"`
}

// Attribute is a flat option attribute such as Color: [Red, Blue].
type Attribute struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Selection pins one attribute to a single value for a variation.
type Selection struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Variation is one purchasable combination of a multi-variant product.
type Variation struct {
	SKU          string      `json:"sku"`
	RegularPrice string      `json:"regular_price"`
	SalePrice    string      `json:"sale_price"`
	Selections   []Selection `json:"selections"`
}

// PrimaryCategory returns the first category or an empty string.
func (p *NormalizedProduct) PrimaryCategory() string {
	if p == nil || len(p.Categories) == 0 {
		return ""
	}
	return p.Categories[0]
}

// IsVariable reports whether the product carries variant data.
func (p *NormalizedProduct) IsVariable() bool {
	return p != nil && len(p.Variations) > 0
}

// ItemKey is how results refer to the product: SKU when known, otherwise the source URL.
func (p *NormalizedProduct) ItemKey() string {
	if p == nil {
		return ""
	}
	if p.SKU != "" {
		return p.SKU
	}
	return p.SourceURL
}
