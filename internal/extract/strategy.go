// Package extract turns source payloads into normalized products. Each source platform has
// its own Strategy; Service wires fetching, caching and finalization around them.
package extract

import (
	"strings"

	"catalog-migrator/internal/models"
)

// Strategy extracts a product from the payload served at PayloadURL(link).
// Missing optional fields never fail; only malformed input yields *ExtractionError.
type Strategy interface {
	Kind() models.SourceKind
	PayloadURL(link string) (string, error)
	Extract(payload []byte, link string) (*models.NormalizedProduct, error)
}

// Strategies returns the built-in strategy for every source kind.
func Strategies() map[models.SourceKind]Strategy {
	return map[models.SourceKind]Strategy{
		models.SourceSelfHosted: SelfHosted{},
		models.SourceBuilder:    Builder{},
		models.SourcePlatform:   Platform{},
	}
}

// nonCatalogLabels are navigation links that show up in breadcrumbs and taxonomy blocks.
var nonCatalogLabels = map[string]bool{
	"home": true, "homepage": true, "shop": true, "store": true, "products": true,
	"all products": true, "cart": true, "basket": true, "bag": true, "checkout": true,
	"account": true, "my account": true, "login": true, "log in": true, "sign in": true,
	"register": true, "wishlist": true, "contact": true, "contact us": true, "about": true,
	"about us": true, "blog": true, "search": true, "uncategorized": true, "next": true,
	"previous": true, "back": true, "menu": true,
}

func isCatalogLabel(label string) bool {
	label = strings.ToLower(strings.TrimSpace(label))
	return label != "" && !nonCatalogLabels[label] && len(label) <= 120
}

// appendUnique appends values not already present, compared case-insensitively.
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if strings.EqualFold(existing, v) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
