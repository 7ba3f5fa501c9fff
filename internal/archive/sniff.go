package archive

import (
	"bytes"
	"regexp"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
)

// sniffLen bounds how much of a document is inspected for its kind and
// charset declaration.
const sniffLen = 64 << 10

var (
	htmlTagRe     = regexp.MustCompile(`(?is)<html[^>]*>`)
	htmlDoctypeRe = regexp.MustCompile(`(?is)<!doctype\s+html`)
	headTagRe     = regexp.MustCompile(`(?is)<head(\s[^>]*)?>`)
	metaCharsetRe = regexp.MustCompile(`(?is)<meta[^>]+charset\s*=`)
	htmlLikeTags  = [][]byte{[]byte("<html"), []byte("<body"), []byte("<head"), []byte("<div"), []byte("<span")}

	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

func head(data []byte) []byte {
	if len(data) > sniffLen {
		return data[:sniffLen]
	}
	return data
}

func stripBOM(data []byte) []byte {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return data[len(bomUTF8):]
	case bytes.HasPrefix(data, bomUTF16LE), bytes.HasPrefix(data, bomUTF16BE):
		return data[2:]
	}
	return data
}

// sniffKind classifies a document as html, xml or opaque binary.
func sniffKind(data []byte) filing.Kind {
	h := stripBOM(head(data))
	if htmlTagRe.Match(h) || htmlDoctypeRe.Match(h) || metaCharsetRe.Match(h) || headTagRe.Match(h) {
		return filing.KindHTML
	}
	trimmed := bytes.TrimLeft(h, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return filing.KindXML
	}
	if bytes.HasPrefix(trimmed, []byte("<")) && !bytes.HasPrefix(trimmed, []byte("<!")) && bytes.Contains(h, []byte("</")) {
		lower := bytes.ToLower(h)
		for _, tag := range htmlLikeTags {
			if bytes.Contains(lower, tag) {
				return filing.KindBinary
			}
		}
		return filing.KindXML
	}
	return filing.KindBinary
}

// kindRank orders member kinds for selection; lower is preferred.
func kindRank(k filing.Kind) int {
	switch k {
	case filing.KindHTML:
		return 0
	case filing.KindXML:
		return 1
	default:
		return 2
	}
}
