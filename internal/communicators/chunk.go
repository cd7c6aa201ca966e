package communicators

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into messages of at most maxLen characters. It packs
// whole paragraphs first, falls back to sentences for an oversized paragraph
// and to a hard cut for an oversized sentence.
func Split(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}
	var out []string
	for _, chunk := range pack(strings.Split(text, "\n\n"), "\n\n", maxLen) {
		if utf8.RuneCountInString(chunk) <= maxLen {
			out = append(out, chunk)
			continue
		}
		for _, part := range pack(sentences(chunk), " ", maxLen) {
			if utf8.RuneCountInString(part) <= maxLen {
				out = append(out, part)
				continue
			}
			out = append(out, SplitRunes(part, maxLen)...)
		}
	}
	return out
}

// SplitRunes cuts text every maxLen characters without breaking a rune.
func SplitRunes(text string, maxLen int) []string {
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxLen {
			out = append(out, text)
			break
		}
		cut := 0
		for i := 0; i < maxLen; i++ {
			_, size := utf8.DecodeRuneInString(text[cut:])
			cut += size
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// pack greedily joins parts with sep while the result fits in maxLen. A part
// that alone exceeds maxLen is emitted as is.
func pack(parts []string, sep string, maxLen int) []string {
	var out []string
	cur := ""
	flush := func() {
		if s := strings.TrimSpace(cur); s != "" {
			out = append(out, s)
		}
		cur = ""
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if cur == "" {
			cur = p
			continue
		}
		if utf8.RuneCountInString(cur)+len(sep)+utf8.RuneCountInString(p) <= maxLen {
			cur += sep + p
			continue
		}
		flush()
		cur = p
	}
	flush()
	return out
}

// sentences splits on ". " and keeps the period with its sentence.
func sentences(text string) []string {
	parts := strings.Split(text, ". ")
	for i := 0; i < len(parts)-1; i++ {
		parts[i] += "."
	}
	return parts
}
