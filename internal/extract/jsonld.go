package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// structuredNodes parses every ld+json block and flattens arrays and @graph containers.
func structuredNodes(doc *goquery.Document) []map[string]any {
	var nodes []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			nodes = append(nodes, t)
			if graph, ok := t["@graph"]; ok {
				walk(graph)
			}
		}
	}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := TryParse([]byte(s.Text())); ok {
			walk(v)
		}
	})
	return nodes
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func firstOfType(nodes []map[string]any, types ...string) map[string]any {
	for _, want := range types {
		for _, n := range nodes {
			if hasType(n, want) {
				return n
			}
		}
	}
	return nil
}

// imageURLs reads a schema.org image value: a string, an ImageObject, or a list of either.
func imageURLs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if u := scalarString(t["url"]); u != "" {
			return []string{u}
		}
		if u := scalarString(t["contentUrl"]); u != "" {
			return []string{u}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, imageURLs(item)...)
		}
		return out
	}
	return nil
}
