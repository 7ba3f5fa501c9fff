package archive

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const filingID = "20240521000123"

var koreanBody = strings.Repeat("<p>삼성전자 사업보고서 자산총계 1,234억원</p>\n", 20)

func eucKR(t *testing.T, s string) []byte {
	t.Helper()
	out, err := korean.EUCKR.NewEncoder().String(s)
	require.NoError(t, err)
	return []byte(out)
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildGzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func requirePoison(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPoisonInput)
	assert.Equal(t, apperrors.KindPoisonInput, apperrors.KindOf(err))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestDecodeZipPicksHTMLAndNormalizesCharset covers the common DART shape: a
// zip holding an EUC-KR html main document next to smaller attachments.
func TestDecodeZipPicksHTMLAndNormalizesCharset(t *testing.T) {
	html := eucKR(t, `<html><head><meta http-equiv="Content-Type" content="text/html; charset=euc-kr"></head><body>`+koreanBody+`</body></html>`)
	xml := []byte(`<?xml version="1.0" encoding="utf-8"?><doc>` + strings.Repeat("x", 5000) + `</doc>`)
	raw := buildZip(t,
		zipEntry{"attachment.xml", xml},
		zipEntry{"main.html", html},
		zipEntry{"logo.png", bytes.Repeat([]byte{0x89, 0x50}, 8000)},
	)

	doc, err := New(Config{}).Decode(filingID, raw)
	require.NoError(t, err)
	assert.Equal(t, filingID, doc.FilingID)
	assert.Equal(t, ContentKey(filingID), doc.ContentKey)
	assert.Equal(t, filing.KindHTML, doc.Encoding.Kind)
	assert.Equal(t, "main.html", doc.Encoding.Member)
	assert.Equal(t, 3, doc.Encoding.MemberCount)
	assert.Equal(t, "euc-kr", doc.Encoding.SourceCharset)
	assert.Equal(t, "text/html; charset=UTF-8", doc.Encoding.ContentType)
	assert.True(t, utf8.Valid(doc.Content))
	assert.Contains(t, string(doc.Content), "삼성전자")
	assert.Contains(t, string(doc.Content), `<meta charset="UTF-8">`)
	assert.NotContains(t, strings.ToLower(string(doc.Content)), "euc-kr")
}

// TestDecodeFallsBackWhenDeclarationLies decodes CP949 bytes that claim to be
// UTF-8.
func TestDecodeFallsBackWhenDeclarationLies(t *testing.T) {
	raw := eucKR(t, `<html><head><meta charset="utf-8"></head><body>`+koreanBody+`</body></html>`)
	doc, err := New(Config{}).Decode(filingID, raw)
	require.NoError(t, err)
	assert.Equal(t, "cp949", doc.Encoding.SourceCharset)
	assert.Equal(t, "none", doc.Encoding.Container)
	assert.Contains(t, string(doc.Content), "사업보고서")
}

func TestDecodeInsertsMissingMeta(t *testing.T) {
	raw := []byte("<!DOCTYPE html>\n<html><head><title>t</title></head><body>" + koreanBody + "</body></html>")
	doc, err := New(Config{}).Decode(filingID, raw)
	require.NoError(t, err)
	assert.Equal(t, "utf-8", doc.Encoding.SourceCharset)
	assert.Contains(t, string(doc.Content), "<head>\n<meta charset=\"UTF-8\"><title>")
}

func TestDecodeGzipXMLRewritesDeclaration(t *testing.T) {
	body := eucKR(t, `<?xml version="1.0" encoding="EUC-KR"?><DOCUMENT>`+koreanBody+`</DOCUMENT>`)
	doc, err := New(Config{}).Decode(filingID, buildGzip(t, body))
	require.NoError(t, err)
	assert.Equal(t, "gzip", doc.Encoding.Container)
	assert.Equal(t, filing.KindXML, doc.Encoding.Kind)
	assert.Equal(t, "application/xml; charset=UTF-8", doc.Encoding.ContentType)
	assert.True(t, bytes.HasPrefix(doc.Content, []byte(`<?xml version="1.0" encoding="UTF-8"?>`)))
}

func TestDecodeBinaryMemberIsStoredAsIs(t *testing.T) {
	pdf := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte{0x00, 0xff}, 400)...)
	doc, err := New(Config{}).Decode(filingID, buildZip(t, zipEntry{"report.pdf", pdf}))
	require.NoError(t, err)
	assert.Equal(t, filing.KindBinary, doc.Encoding.Kind)
	assert.Equal(t, "application/octet-stream", doc.Encoding.ContentType)
	assert.Equal(t, pdf, doc.Content)
}

// TestDecodePoison lists the deterministic failures that must never be
// retried locally.
func TestDecodePoison(t *testing.T) {
	big := []byte(`<html><body>` + koreanBody + `</body></html>`)
	cases := []struct {
		name string
		cfg  Config
		raw  []byte
	}{
		{"empty payload", Config{}, nil},
		{"corrupt zip", Config{}, append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x13}, 300)...)},
		{"corrupt gzip", Config{}, append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte{0x00}, 300)...)},
		{"empty zip", Config{}, buildZip(t)},
		{"too many members", Config{MaxMembers: 2}, buildZip(t,
			zipEntry{"a.html", big}, zipEntry{"b.html", big}, zipEntry{"c.html", big})},
		{"too large", Config{MaxUncompressed: 100}, buildZip(t, zipEntry{"a.html", big})},
		{"too small", Config{}, []byte("<html><body>tiny</body></html>")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg).Decode(filingID, tc.raw)
			requirePoison(t, err)
		})
	}
}

func TestDecodeRejectsUnsafeFilingID(t *testing.T) {
	_, err := New(Config{}).Decode("../../etc/passwd", []byte(koreanBody))
	requirePoison(t, err)
}

func TestContentKeyIsDeterministic(t *testing.T) {
	a := ContentKey("20240521000123")
	assert.Equal(t, a, ContentKey("20240521000123"))
	assert.NotEqual(t, a, ContentKey("20240521000124"))
	assert.True(t, strings.HasPrefix(a, "filings/"))
	assert.True(t, strings.HasSuffix(a, "/20240521000123"))
	assert.Len(t, strings.Split(a, "/")[1], 2)

	assert.Equal(t, "filings", strings.Split(ContentKey("a b/c"), "/")[0])
	assert.True(t, strings.HasSuffix(ContentKey("a b:c"), "/a_b_c"))
}

func TestSniffKind(t *testing.T) {
	assert.Equal(t, filing.KindHTML, sniffKind([]byte("\xef\xbb\xbf<!doctype html><p>x</p>")))
	assert.Equal(t, filing.KindXML, sniffKind([]byte("  <?xml version='1.0'?><a/>")))
	assert.Equal(t, filing.KindXML, sniffKind([]byte("<DOCUMENT><TITLE>x</TITLE></DOCUMENT>")))
	assert.Equal(t, filing.KindBinary, sniffKind([]byte("%PDF-1.4")))
}
