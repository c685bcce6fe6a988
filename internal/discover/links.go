package discover

import (
	"net/url"
	"strings"
	"unicode"

	"catalog-migrator/internal/models"
)

const (
	// DefaultCap applies when the caller passes no positive cap.
	DefaultCap = 500
	// MaxCap bounds crawl cost regardless of what the caller asks for.
	MaxCap = 5000
)

// ClampCap maps cap <= 0 to DefaultCap and anything above MaxCap to MaxCap.
func ClampCap(cap int) int {
	switch {
	case cap <= 0:
		return DefaultCap
	case cap > MaxCap:
		return MaxCap
	default:
		return cap
	}
}

func isLinkDelimiter(r rune) bool {
	switch r {
	case ',', ';', '，', '；', '、', '　':
		return true
	}
	return unicode.IsSpace(r)
}

// ParseInputLinks splits user input on commas, semicolons and whitespace (including their
// full-width forms), drops empty members and keeps the first occurrence of each link.
func ParseInputLinks(s string) []string {
	fields := strings.FieldsFunc(s, isLinkDelimiter)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// trackingParams never change which product a URL points at.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "msclkid": true, "mc_cid": true, "mc_eid": true,
	"ref": true, "ref_": true, "srsltid": true, "_pos": true, "_sid": true, "_ss": true,
	"variant": true, "variation_id": true,
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	return trackingParams[key] || strings.HasPrefix(key, "utm_") || strings.HasPrefix(key, "attribute_")
}

func parseAbsolute(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

// CleanURL validates an absolute http(s) URL and returns it without its fragment. The path
// and query are kept as given so query-routed shops still resolve to the same page.
func CleanURL(raw string) (string, bool) {
	u, ok := parseAbsolute(raw)
	if !ok {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// NormalizeURL returns the dedup key of a product URL: lowercase scheme and host, no
// fragment, user info or trailing slash, and the query without tracking or variant
// selection params, sorted. Only absolute http(s) URLs are accepted.
func NormalizeURL(raw string) (string, bool) {
	u, ok := parseAbsolute(raw)
	if !ok {
		return "", false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false
	return u.String(), true
}

var productRoutes = map[models.SourceKind]string{
	models.SourceSelfHosted: "product",
	models.SourceBuilder:    "product-page",
	models.SourcePlatform:   "products",
}

// IsProductLink applies the source-specific product route heuristic: a known route segment
// followed by a slug.
func IsProductLink(kind models.SourceKind, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	route, ok := productRoutes[kind]
	if !ok {
		return false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg != route || i+1 >= len(segments) {
			continue
		}
		slug := segments[i+1]
		if slug == "" || strings.HasSuffix(slug, ".json") || strings.HasSuffix(slug, ".js") {
			return false
		}
		return true
	}
	return false
}

var listingSegments = map[string]bool{
	"shop": true, "store": true, "catalog": true, "category": true, "categories": true,
	"product-category": true, "product-tag": true, "collections": true, "all-products": true,
	"page": true,
}

// isListingLink reports whether a same-site link looks like a listing or pagination page.
func isListingLink(kind models.SourceKind, u *url.URL) bool {
	if IsProductLink(kind, u.String()) {
		return false
	}
	if p := u.Query().Get("page"); p != "" {
		return true
	}
	for _, seg := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if listingSegments[strings.ToLower(seg)] {
			return true
		}
	}
	return false
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}
