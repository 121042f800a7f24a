package saft

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	workDocumentTag     = regexp.MustCompile(`<(/?)WorkDocument\b[^>]*>`)
	encodingDeclaration = regexp.MustCompile(`(?i)(<\?xml\b[^>]*?\bencoding\s*=\s*)(["'])([^"']*)(["'])`)
)

// BalanceWorkDocuments repairs unbalanced WorkDocument tags in raw XML before
// it is parsed. A closing tag without an open block is dropped, an opening tag
// while a block is open first closes the previous one, and blocks still open
// at the end are closed. Input that is not valid UTF-8 is decoded as
// Windows-1252; the result is always UTF-8 with a matching declaration.
// The second result reports whether any tag was repaired.
func BalanceWorkDocuments(data []byte) ([]byte, bool) {
	text, transcoded := decodeText(data)

	var out strings.Builder
	out.Grow(len(text) + 64)

	var stack []string
	changed := false
	last := 0

	for _, m := range workDocumentTag.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		tag := text[start:end]
		if strings.HasSuffix(tag, "/>") {
			continue
		}
		out.WriteString(text[last:start])
		last = end

		if m[3] > m[2] {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
				out.WriteString(tag)
			} else {
				changed = true
			}
			continue
		}

		for len(stack) > 0 {
			indent := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			out.WriteString("</WorkDocument>\n" + indent)
			changed = true
		}
		stack = append(stack, lineIndent(text, start))
		out.WriteString(tag)
	}

	// Blocks left open are closed before the section ends, or right away
	// when the section close is missing too.
	tail := text[last:]
	if len(stack) > 0 {
		at := strings.Index(tail, "</WorkingDocuments>")
		if at < 0 {
			at = 0
		}
		out.WriteString(tail[:at])
		tail = tail[at:]
	}
	for len(stack) > 0 {
		indent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.WriteString("</WorkDocument>\n" + indent)
		changed = true
	}
	out.WriteString(tail)

	if !changed && !transcoded {
		return data, false
	}

	result := out.String()
	if transcoded {
		result = ensureUTF8Declaration(result)
	}
	return []byte(result), changed
}

func decodeText(data []byte) (string, bool) {
	if utf8.Valid(data) {
		return string(data), false
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�"), true
	}
	return string(decoded), true
}

func lineIndent(text string, pos int) string {
	lineStart := strings.LastIndexByte(text[:pos], '\n') + 1
	indent := text[lineStart:pos]
	if strings.TrimSpace(indent) != "" {
		return ""
	}
	return indent
}

func ensureUTF8Declaration(text string) string {
	if loc := encodingDeclaration.FindStringSubmatchIndex(text); loc != nil {
		return text[:loc[6]] + "UTF-8" + text[loc[7]:]
	}
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if strings.HasPrefix(trimmed, "<?xml") {
		offset := len(text) - len(trimmed)
		if end := strings.Index(trimmed, "?>"); end >= 0 {
			at := offset + end
			return text[:at] + ` encoding="UTF-8"` + text[at:]
		}
	}
	return text
}
