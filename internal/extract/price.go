package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PriceGuess holds every raw price string seen plus the best regular/sale pair.
type PriceGuess struct {
	Regular    string
	Sale       string
	Candidates []string
}

var pricePattern = regexp.MustCompile(`(?:[$€£¥₹]\s*)?\d+(?:[.,]\d{3})*(?:[.,]\d{1,2})?`)

// Prices scans product markup and structured data for price-like values. The best guess is
// del/ins pairs first, then JSON-LD offers, then the product price meta tag, then .price text.
func Prices(doc *goquery.Document, product map[string]any) PriceGuess {
	var guess PriceGuess
	seen := map[string]bool{}
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			return
		}
		seen[raw] = true
		guess.Candidates = append(guess.Candidates, raw)
	}

	priceBlocks := doc.Find(".summary .price, .product .price, p.price, span.price, .product-price")
	priceBlocks.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		del := strings.TrimSpace(s.Find("del").First().Text())
		ins := strings.TrimSpace(s.Find("ins").First().Text())
		if del == "" || ins == "" {
			return true
		}
		add(del)
		add(ins)
		if guess.Regular == "" {
			guess.Regular = NormalizePrice(del)
			guess.Sale = NormalizePrice(ins)
		}
		return false
	})

	var ldPrice string
	for _, offer := range offers(product) {
		for _, key := range []string{"price", "lowPrice"} {
			if v := scalarString(offer[key]); v != "" {
				add(v)
				if ldPrice == "" {
					ldPrice = NormalizePrice(v)
				}
			}
		}
	}

	metaPrice := ""
	doc.Find(`meta[property="product:price:amount"], meta[itemprop="price"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok {
			add(v)
			if metaPrice == "" {
				metaPrice = NormalizePrice(v)
			}
		}
	})

	textPrice := ""
	priceBlocks.Each(func(_ int, s *goquery.Selection) {
		for _, m := range pricePattern.FindAllString(s.Text(), 4) {
			add(m)
			if textPrice == "" {
				textPrice = NormalizePrice(m)
			}
		}
	})

	if guess.Regular == "" {
		for _, v := range []string{ldPrice, metaPrice, textPrice} {
			if v != "" {
				guess.Regular = v
				break
			}
		}
	}
	if guess.Sale != "" && !lessThan(guess.Sale, guess.Regular) {
		guess.Sale = ""
	}
	return guess
}

func offers(product map[string]any) []map[string]any {
	if product == nil {
		return nil
	}
	var out []map[string]any
	switch o := product["offers"].(type) {
	case map[string]any:
		out = append(out, o)
		if nested, ok := o["offers"].([]any); ok {
			for _, n := range nested {
				if m, ok := n.(map[string]any); ok {
					out = append(out, m)
				}
			}
		}
	case []any:
		for _, n := range o {
			if m, ok := n.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// NormalizePrice turns a display price such as "$1,299.00" or "19,99 €" into a plain decimal
// string. It returns "" when the text carries no digits.
func NormalizePrice(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".,")
	if s == "" {
		return ""
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return ""
	}
	return s
}

// FormatPrice renders a numeric price with two decimals.
func FormatPrice(v float64) string {
	if v <= 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func lessThan(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa < fb
}

// scalarString renders JSON scalars as strings; objects and arrays yield "".
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
