package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const strippedElements = "script, style, iframe, form, object, embed, noscript, link, meta, svg"

// Sanitize removes active content from an HTML fragment: scripts, styles, frames, forms and
// event-handler or inline-style attributes. It is best effort, not a security boundary.
func Sanitize(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + fragment + "</body>"))
	if err != nil {
		return ""
	}
	body := doc.Find("body")
	body.Find(strippedElements).Remove()
	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		var drop []string
		for _, attr := range node.Attr {
			key := strings.ToLower(attr.Key)
			value := strings.ToLower(strings.TrimSpace(attr.Val))
			switch {
			case strings.HasPrefix(key, "on"), key == "style":
				drop = append(drop, attr.Key)
			case (key == "href" || key == "src") && strings.HasPrefix(value, "javascript:"):
				drop = append(drop, attr.Key)
			}
		}
		for _, key := range drop {
			s.RemoveAttr(key)
		}
	})
	out, err := body.Html()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}
