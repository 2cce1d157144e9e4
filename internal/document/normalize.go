package document

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// maxEntityLen bounds how far past '&' we look for the terminating ';'.
const maxEntityLen = 32

var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {}, "img": {},
	"input": {}, "link": {}, "meta": {}, "param": {}, "source": {}, "track": {}, "wbr": {},
}

var hiddenElements = map[string]struct{}{
	"script": {},
	"style":  {},
}

type openElement struct {
	name   string
	offset int
}

type builder struct {
	plain     strings.Builder
	positions []int
	ends      []int
	runes     []rune
	open      []openElement
	issues    []ParseError
}

// Normalize walks the markup of raw and returns its plain text together with the
// plain-to-source position map. It never fails: malformed markup is skipped and
// recorded in Document.Issues.
func Normalize(raw string) Document {
	b := &builder{}
	z := html.NewTokenizer(strings.NewReader(raw))
	offset := 0
	hidden := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF; an incomplete trailing tag is dropped by the tokenizer.
			break
		}
		width := len(z.Raw())

		switch tt {
		case html.TextToken:
			if hidden == 0 {
				b.appendText(raw[offset:offset+width], offset)
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if _, ok := hiddenElements[tag]; ok {
				hidden++
			}
			if _, ok := voidElements[tag]; !ok {
				b.open = append(b.open, openElement{name: tag, offset: offset})
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if _, ok := hiddenElements[tag]; ok && hidden > 0 {
				hidden--
			}
			b.close(tag, offset)
		case html.SelfClosingTagToken, html.CommentToken, html.DoctypeToken:
			// markup only
		}
		offset += width
	}

	for _, el := range b.open {
		b.issues = append(b.issues, ParseError{Offset: el.offset, Tag: el.name, Reason: "element never closed"})
	}

	return Document{
		Raw:         raw,
		PlainText:   b.plain.String(),
		PositionMap: b.positions,
		Issues:      b.issues,
		ends:        b.ends,
		runes:       b.runes,
	}
}

func (b *builder) close(tag string, offset int) {
	if _, ok := voidElements[tag]; ok {
		return
	}
	for i := len(b.open) - 1; i >= 0; i-- {
		if b.open[i].name != tag {
			continue
		}
		for _, el := range b.open[i+1:] {
			b.issues = append(b.issues, ParseError{Offset: el.offset, Tag: el.name, Reason: "closed implicitly by </" + tag + ">"})
		}
		b.open = b.open[:i]
		return
	}
	b.issues = append(b.issues, ParseError{Offset: offset, Tag: tag, Reason: "close tag without matching open tag"})
}

// appendText emits the logical characters of a raw text run starting at base.
func (b *builder) appendText(text string, base int) {
	for i := 0; i < len(text); {
		switch text[i] {
		case '&':
			if decoded, width, ok := decodeEntity(text[i:]); ok {
				for _, r := range decoded {
					b.emit(r, base+i, base+i+width)
				}
				i += width
				continue
			}
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				b.emit('\n', base+i, base+i+2)
				i += 2
				continue
			}
		}
		r, width := utf8.DecodeRuneInString(text[i:])
		b.emit(r, base+i, base+i+width)
		i += width
	}
}

func (b *builder) emit(r rune, start, end int) {
	b.plain.WriteRune(r)
	b.runes = append(b.runes, r)
	b.positions = append(b.positions, start)
	b.ends = append(b.ends, end)
}

// decodeEntity decodes a character reference at the start of s. Terminated
// references ("&name;", "&#NN;", "&#xHH;") are tried first; otherwise the
// legacy forms browsers accept without ';' ("&amp", "&copy", "&#65") are
// decoded. Anything else is left literal.
func decodeEntity(s string) (string, int, bool) {
	if decoded, width, ok := decodeTerminated(s); ok {
		return decoded, width, true
	}
	if len(s) > 1 && s[1] == '#' {
		return decodeNumeric(s)
	}
	return decodeLegacyName(s)
}

func decodeTerminated(s string) (string, int, bool) {
	limit := min(len(s), maxEntityLen)
	end := strings.IndexByte(s[1:limit], ';')
	if end <= 0 {
		return "", 0, false
	}
	width := end + 2
	for i := 1; i < width-1; i++ {
		if !(s[i] == '#' || isAlnum(s[i])) {
			return "", 0, false
		}
	}
	return unescaped(s[:width])
}

// decodeNumeric handles "&#NN" and "&#xHH" without the trailing ';'.
func decodeNumeric(s string) (string, int, bool) {
	i, hex := 2, false
	if i < len(s) && (s[i] == 'x' || s[i] == 'X') {
		i, hex = i+1, true
	}
	digits := i
	for i < len(s) && i < maxEntityLen && (isDigit(s[i]) || hex && isHexDigit(s[i])) {
		i++
	}
	if i == digits {
		return "", 0, false
	}
	return unescaped(s[:i])
}

// decodeLegacyName matches the shortest name that decodes on its own. No
// legacy name is a prefix of another legacy name, so shortest is also longest.
func decodeLegacyName(s string) (string, int, bool) {
	n := 1
	for n < len(s) && n < maxEntityLen && isAlnum(s[n]) {
		n++
	}
	for width := 3; width <= n; width++ {
		if decoded, w, ok := unescaped(s[:width]); ok {
			return decoded, w, true
		}
	}
	return "", 0, false
}

func unescaped(candidate string) (string, int, bool) {
	decoded := html.UnescapeString(candidate)
	if decoded == candidate || decoded == "" || utf8.RuneCountInString(decoded) > 2 {
		return "", 0, false
	}
	return decoded, len(candidate), true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isAlnum(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
