package extract

import (
	"bytes"
	"encoding/json"
)

// TryParse decodes a JSON-like blob that may carry trailing commas, bare undefined values,
// trailing script text or a truncated tail. It tries strict JSON first and only then the
// salvage passes, and reports false when nothing usable is left.
func TryParse(raw []byte) (any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}

	start := bytes.IndexAny(raw, "{[")
	if start < 0 {
		return nil, false
	}
	cleaned := loosen(raw[start:])
	if err := json.Unmarshal(cleaned, &v); err == nil {
		return v, true
	}

	truncated, ok := balanceTruncate(cleaned)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal(loosen(truncated), &v); err == nil {
		return v, true
	}
	return nil, false
}

// loosen drops trailing commas before a closer and rewrites bare undefined as null.
func loosen(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inStr, esc := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inStr {
			out = append(out, c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out = append(out, c)
		case c == ',':
			j := i + 1
			for j < len(raw) && isJSONSpace(raw[j]) {
				j++
			}
			if j < len(raw) && (raw[j] == '}' || raw[j] == ']') {
				continue
			}
			out = append(out, c)
		case c == 'u' && bytes.HasPrefix(raw[i:], []byte("undefined")) && !identByte(prev(raw, i)):
			out = append(out, "null"...)
			i += len("undefined") - 1
		default:
			out = append(out, c)
		}
	}
	return out
}

// balanceTruncate scans once and either returns the first complete top-level value (dropping
// trailing script text) or cuts at the last safe point and closes every open container.
func balanceTruncate(raw []byte) ([]byte, bool) {
	var stack, safeStack []byte
	lastSafe := -1
	inStr, esc := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			stack = append(stack, c)
			lastSafe = i + 1
			safeStack = append(safeStack[:0], stack...)
		case '}', ']':
			if len(stack) == 0 {
				return nil, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return raw[:i+1], true
			}
			lastSafe = i + 1
			safeStack = append(safeStack[:0], stack...)
		case ',':
			lastSafe = i
			safeStack = append(safeStack[:0], stack...)
		}
	}
	if lastSafe < 0 {
		return nil, false
	}
	out := append([]byte(nil), bytes.TrimRight(raw[:lastSafe], " \t\r\n,")...)
	for j := len(safeStack) - 1; j >= 0; j-- {
		if safeStack[j] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return out, true
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func identByte(c byte) bool {
	return isNameByte(c) || c == '$'
}

func prev(raw []byte, i int) byte {
	if i == 0 {
		return ' '
	}
	return raw[i-1]
}
