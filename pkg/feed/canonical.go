package feed

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

const hexDigits = "0123456789abcdef"

// canonicalJSON encodes a flat object exactly as the producers do: keys
// sorted, ", " and ": " separators, non-ASCII escaped as \uXXXX, and floats
// in shortest round-trip form that always carries a '.' or an exponent.
// Values may be string, ContentType, int or float64.
func canonicalJSON(obj map[string]any) []byte {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeString(&b, k)
		b.WriteString(": ")
		switch v := obj[k].(type) {
		case string:
			writeString(&b, v)
		case ContentType:
			writeString(&b, string(v))
		case int:
			b.WriteString(strconv.Itoa(v))
		case float64:
			b.WriteString(formatFloat(v))
		default:
			b.WriteString("null")
		}
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// writeString quotes s with every rune outside printable ASCII escaped.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r >= 0x20 && r <= 0x7e {
				b.WriteRune(r)
				continue
			}
			if r > 0xffff {
				hi, lo := utf16.EncodeRune(r)
				writeEscape(b, hi)
				writeEscape(b, lo)
				continue
			}
			writeEscape(b, r)
		}
	}
	b.WriteByte('"')
}

func writeEscape(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[r>>12&0xf])
	b.WriteByte(hexDigits[r>>8&0xf])
	b.WriteByte(hexDigits[r>>4&0xf])
	b.WriteByte(hexDigits[r&0xf])
}

// formatFloat renders f like a float repr: fixed notation for exponents in
// [-4, 16) with at least one fractional digit, scientific otherwise.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	// shortest 'e' form is already 1e+16 or 1.5e-05
	s := strconv.FormatFloat(f, 'e', -1, 64)
	if e := decimalExponent(s); e < -4 || e >= 16 {
		return s
	}
	return fixed(f)
}

func fixed(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// decimalExponent reads the exponent of a strconv 'e' formatted float.
func decimalExponent(s string) int {
	i := strings.LastIndexByte(s, 'e')
	e, _ := strconv.Atoi(s[i+1:])
	return e
}
