package archive

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/korean"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
)

const utf8Meta = `<meta charset="UTF-8">`

var (
	xmlDeclEncodingRe = regexp.MustCompile(`(?is)<\?xml[^>]+encoding\s*=\s*["']?([a-zA-Z0-9._-]+)`)
	metaCharsetValRe  = regexp.MustCompile(`(?is)<meta[^>]+charset\s*=\s*["']?([a-zA-Z0-9._-]+)`)
	metaCharsetTagRe  = regexp.MustCompile(`(?is)<meta[^>]*charset\s*=[^>]*>`)
	xmlDeclRe         = regexp.MustCompile(`(?s)\A\s*<\?xml[^>]*\?>`)
	doctypeRe         = regexp.MustCompile(`(?is)\A\s*<!doctype[^>]*>\s*`)
	dupMetaRe         = regexp.MustCompile(`(?is)(<meta charset="UTF-8">\s*){2,}`)

	replacementChar = []byte("\uFFFD")
)

// fallbackCharsets are tried, in order, after the declared charset. Korean
// filings are mostly UTF-8 or CP949; Latin-1 accepts any byte sequence and
// closes the list.
var fallbackCharsets = []string{"utf-8", "cp949", "euc-kr", "iso-8859-1"}

var charsetAliases = map[string]string{
	"ks_c_5601-1987": "cp949",
	"ks_c_5601":      "cp949",
	"x-windows-949":  "cp949",
	"windows-949":    "cp949",
	"euckr":          "euc-kr",
	"euc_kr":         "euc-kr",
	"utf8":           "utf-8",
	"utf-8-sig":      "utf-8",
	"latin1":         "iso-8859-1",
}

func canonicalCharset(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := charsetAliases[n]; ok {
		return alias
	}
	return strings.ReplaceAll(n, "_", "-")
}

// declaredCharset returns the charset named in an XML declaration or HTML
// meta tag, or "" when there is none.
func declaredCharset(data []byte) string {
	h := head(data)
	for _, re := range []*regexp.Regexp{xmlDeclEncodingRe, metaCharsetValRe} {
		if m := re.FindSubmatch(h); m != nil {
			return canonicalCharset(string(m[1]))
		}
	}
	return ""
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch name {
	case "utf-8":
		return nil, nil
	case "cp949", "euc-kr":
		return korean.EUCKR, nil
	case "iso-8859-1":
		return charmap.ISO8859_1, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", name, err)
	}
	return enc, nil
}

// decodeStrict converts data from charset to UTF-8 and fails instead of
// substituting replacement characters.
func decodeStrict(data []byte, charset string) ([]byte, error) {
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("invalid utf-8")
		}
		return data, nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, err
	}
	if bytes.Contains(out, replacementChar) && !bytes.Contains(data, replacementChar) {
		return nil, fmt.Errorf("undecodable bytes for %s", charset)
	}
	return out, nil
}

// toUTF8 normalizes a text document to UTF-8 and rewrites its charset
// declaration. It returns the charset the input was decoded from.
func toUTF8(data []byte, kind filing.Kind) ([]byte, string, error) {
	body := data
	if bytes.HasPrefix(body, bomUTF8) {
		body = body[len(bomUTF8):]
	}

	candidates := make([]string, 0, len(fallbackCharsets)+1)
	if declared := declaredCharset(body); declared != "" {
		candidates = append(candidates, declared)
	}
	for _, cs := range fallbackCharsets {
		if len(candidates) == 0 || candidates[0] != cs {
			candidates = append(candidates, cs)
		}
	}

	var tried []string
	for _, cs := range candidates {
		out, err := decodeStrict(body, cs)
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s (%v)", cs, err))
			continue
		}
		out = rewriteDeclaration(out, kind)
		if !utf8.Valid(out) {
			tried = append(tried, cs+" (invalid after rewrite)")
			continue
		}
		return out, cs, nil
	}
	return nil, "", fmt.Errorf("no charset could decode document: %s", strings.Join(tried, ", "))
}

func rewriteDeclaration(data []byte, kind filing.Kind) []byte {
	switch kind {
	case filing.KindHTML:
		return rewriteHTMLCharset(data)
	case filing.KindXML:
		return rewriteXMLDeclaration(data)
	}
	return data
}

func rewriteHTMLCharset(data []byte) []byte {
	if metaCharsetTagRe.Match(data) {
		data = metaCharsetTagRe.ReplaceAll(data, []byte(utf8Meta))
		return dupMetaRe.ReplaceAll(data, []byte(utf8Meta))
	}
	insert := func(at int) []byte {
		out := make([]byte, 0, len(data)+len(utf8Meta)+1)
		out = append(out, data[:at]...)
		out = append(out, '\n')
		out = append(out, utf8Meta...)
		return append(out, data[at:]...)
	}
	if loc := headTagRe.FindIndex(data); loc != nil {
		return insert(loc[1])
	}
	if loc := doctypeRe.FindIndex(data); loc != nil {
		return insert(loc[1])
	}
	return append([]byte(utf8Meta+"\n"), data...)
}

func rewriteXMLDeclaration(data []byte) []byte {
	const decl = `<?xml version="1.0" encoding="UTF-8"?>`
	if xmlDeclRe.Match(data) {
		return xmlDeclRe.ReplaceAll(data, []byte(decl))
	}
	return append([]byte(decl+"\n"), data...)
}
