package extract

import (
	"html"
	"regexp"
	"strings"
)

type tokenKind int

const (
	tokenOpen tokenKind = iota
	tokenClose
	tokenSelfClosing
)

// token is one tag in a document; Start/End are byte offsets of the full tag text.
type token struct {
	kind  tokenKind
	name  string
	attrs string
	start int
	end   int
}

// Candidate is a tag-and-class signature that may hold the product title.
// An empty Class matches any element with the tag name.
type Candidate struct {
	Tag   string
	Class string
}

// Span is the outer byte range of a balanced element.
type Span struct {
	Start     int
	End       int
	Candidate Candidate
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "param": true, "source": true,
	"track": true, "wbr": true,
}

var inlineElements = map[string]bool{
	"a": true, "abbr": true, "b": true, "em": true, "i": true, "mark": true, "small": true,
	"span": true, "strong": true, "sub": true, "sup": true, "u": true,
}

var rawTextElements = map[string]bool{"script": true, "style": true, "textarea": true}

// tokenize walks the document and returns every tag in order. Comments, doctypes and the
// bodies of raw-text elements are skipped; '>' inside quoted attribute values does not end a tag.
func tokenize(doc string) []token {
	var tokens []token
	i := 0
	n := len(doc)
	for i < n {
		lt := strings.IndexByte(doc[i:], '<')
		if lt < 0 {
			break
		}
		i += lt
		if strings.HasPrefix(doc[i:], "<!--") {
			end := strings.Index(doc[i+4:], "-->")
			if end < 0 {
				break
			}
			i += 4 + end + 3
			continue
		}
		if i+1 < n && (doc[i+1] == '!' || doc[i+1] == '?') {
			end := strings.IndexByte(doc[i:], '>')
			if end < 0 {
				break
			}
			i += end + 1
			continue
		}

		closing := false
		j := i + 1
		if j < n && doc[j] == '/' {
			closing = true
			j++
		}
		nameStart := j
		for j < n && isNameByte(doc[j]) {
			j++
		}
		if j == nameStart || !isLetter(doc[nameStart]) {
			// Stray '<' in text.
			i++
			continue
		}
		name := strings.ToLower(doc[nameStart:j])

		end, ok := tagEnd(doc, j)
		if !ok {
			break
		}
		attrs := doc[j:end]
		tok := token{name: name, attrs: attrs, start: i, end: end + 1}
		switch {
		case closing:
			tok.kind = tokenClose
		case strings.HasSuffix(strings.TrimSpace(attrs), "/") || voidElements[name]:
			tok.kind = tokenSelfClosing
		default:
			tok.kind = tokenOpen
		}
		tokens = append(tokens, tok)
		i = end + 1

		if tok.kind == tokenOpen && rawTextElements[name] {
			closeIdx := indexCloseTag(doc[i:], name)
			if closeIdx < 0 {
				break
			}
			i += closeIdx
		}
	}
	return tokens
}

// tagEnd finds the '>' closing a tag, honouring quoted attribute values.
func tagEnd(doc string, from int) (int, bool) {
	var quote byte
	for k := from; k < len(doc); k++ {
		c := doc[k]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return k, true
		}
	}
	return 0, false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameByte(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '-' || c == ':' || c == '_'
}

// indexCloseTag finds "</name" in s, ASCII case-insensitively, working on raw bytes so
// offsets stay valid in documents that are not UTF-8.
func indexCloseTag(s, name string) int {
	for i := 0; ; {
		k := strings.Index(s[i:], "</")
		if k < 0 {
			return -1
		}
		i += k
		rest := s[i+2:]
		if len(rest) < len(name) {
			return -1
		}
		if asciiEqualFold(rest[:len(name)], name) && (len(rest) == len(name) || !isNameByte(rest[len(name)])) {
			return i
		}
		i += 2
	}
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := 0; k < len(a); k++ {
		x, y := a[k], b[k]
		if 'A' <= x && x <= 'Z' {
			x += 'a' - 'A'
		}
		if 'A' <= y && y <= 'Z' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}
	return true
}

var classAttr = regexp.MustCompile(`(?i)\bclass\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)

func hasClass(attrs, class string) bool {
	m := classAttr.FindStringSubmatch(attrs)
	if m == nil {
		return false
	}
	value := m[1] + m[2] + m[3]
	for _, c := range strings.Fields(value) {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

func (c Candidate) matches(t token) bool {
	if t.kind != tokenOpen || t.name != strings.ToLower(c.Tag) {
		return false
	}
	return c.Class == "" || hasClass(t.attrs, c.Class)
}

// OuterSpan returns the full outer span of the first candidate whose first matching open tag
// balances before the end of the document. Candidates are tried in order; an unbalanced
// candidate is skipped.
func OuterSpan(doc string, candidates []Candidate) (Span, bool) {
	tokens := tokenize(doc)
	for _, c := range candidates {
		if span, ok := balanceFrom(tokens, c); ok {
			return span, true
		}
	}
	return Span{}, false
}

func balanceFrom(tokens []token, c Candidate) (Span, bool) {
	start := -1
	for i, t := range tokens {
		if c.matches(t) {
			start = i
			break
		}
	}
	if start < 0 {
		return Span{}, false
	}
	name := tokens[start].name
	depth := 0
	for _, t := range tokens[start:] {
		if t.name != name {
			continue
		}
		switch t.kind {
		case tokenOpen:
			depth++
		case tokenClose:
			depth--
		}
		if depth == 0 {
			return Span{Start: tokens[start].start, End: t.end, Candidate: c}, true
		}
	}
	return Span{}, false
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// SpanText strips markup from a span and collapses whitespace.
func SpanText(doc string, span Span) string {
	if span.End <= span.Start || span.End > len(doc) {
		return ""
	}
	return stripTags(doc[span.Start:span.End])
}

func stripTags(fragment string) string {
	var b strings.Builder
	last := 0
	for _, t := range tokenize(fragment) {
		if t.start > last {
			b.WriteString(fragment[last:t.start])
		}
		if !inlineElements[t.name] {
			b.WriteByte(' ')
		}
		last = t.end
	}
	if last < len(fragment) {
		b.WriteString(fragment[last:])
	}
	text := html.UnescapeString(b.String())
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}
