// Package archive turns the raw payload of a filing into a normalized
// document. Payloads are ZIP archives, gzip streams or bare documents; text
// content is always re-encoded as UTF-8. Every failure here is deterministic
// for a given payload and is reported as poison input.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/korean"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

const (
	DefaultMaxMembers      = 200
	DefaultMaxUncompressed = 200 << 20
	DefaultMinContentBytes = 200
)

var (
	zipLocalHeader = []byte("PK\x03\x04")
	zipEmptyEOCD   = []byte("PK\x05\x06")
	gzipMagic      = []byte{0x1f, 0x8b}
)

// Config bounds what the decoder accepts. Zero values take the defaults.
type Config struct {
	MaxMembers      int
	MaxUncompressed int64
	MinContentBytes int
}

// Decoder is stateless and safe for concurrent use.
type Decoder struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Decoder {
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = DefaultMaxMembers
	}
	if cfg.MaxUncompressed <= 0 {
		cfg.MaxUncompressed = DefaultMaxUncompressed
	}
	if cfg.MinContentBytes <= 0 {
		cfg.MinContentBytes = DefaultMinContentBytes
	}
	return &Decoder{
		cfg:    cfg,
		logger: slog.Default().With("component", "archive-decoder"),
	}
}

type member struct {
	name string
	kind filing.Kind
	data []byte
}

// Decode unpacks and normalizes raw. The returned document's ContentKey
// depends on filingID only.
func (d *Decoder) Decode(filingID string, raw []byte) (filing.Document, error) {
	if err := filing.ValidateID(filingID); err != nil {
		return filing.Document{}, apperrors.Newf(apperrors.ErrPoisonInput, filingID, "invalid filing id: %v", err)
	}
	if len(raw) == 0 {
		return filing.Document{}, apperrors.New(apperrors.ErrPoisonInput, filingID, "empty payload")
	}

	var (
		picked member
		enc    filing.Encoding
		err    error
	)
	switch {
	case bytes.HasPrefix(raw, zipLocalHeader), bytes.HasPrefix(raw, zipEmptyEOCD):
		var count int
		picked, count, err = d.unzip(raw)
		enc = filing.Encoding{Container: "zip", Member: picked.name, MemberCount: count}
	case bytes.HasPrefix(raw, gzipMagic):
		picked, err = d.gunzip(raw)
		enc = filing.Encoding{Container: "gzip"}
	default:
		picked = member{kind: sniffKind(raw), data: raw}
		enc = filing.Encoding{Container: "none"}
	}
	if err != nil {
		return filing.Document{}, apperrors.Newf(apperrors.ErrPoisonInput, filingID, "%v", err)
	}

	content := picked.data
	enc.Kind = picked.kind
	switch picked.kind {
	case filing.KindHTML, filing.KindXML:
		content, enc.SourceCharset, err = toUTF8(picked.data, picked.kind)
		if err != nil {
			return filing.Document{}, apperrors.Newf(apperrors.ErrPoisonInput, filingID, "normalizing encoding: %v", err)
		}
		enc.ContentType = "text/html; charset=UTF-8"
		if picked.kind == filing.KindXML {
			enc.ContentType = "application/xml; charset=UTF-8"
		}
	default:
		enc.ContentType = "application/octet-stream"
	}

	if len(content) < d.cfg.MinContentBytes {
		return filing.Document{}, apperrors.Newf(apperrors.ErrPoisonInput, filingID,
			"content too small (%d bytes, minimum %d)", len(content), d.cfg.MinContentBytes)
	}

	doc := filing.Document{
		FilingID:   filingID,
		Content:    content,
		ContentKey: ContentKey(filingID),
		Encoding:   enc,
	}
	d.logger.Debug("filing decoded",
		"filing_id", filingID,
		"encoding", enc.Summary(),
		"size", len(content),
	)
	return doc, nil
}

func (d *Decoder) unzip(raw []byte) (member, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return member{}, 0, fmt.Errorf("corrupt zip archive: %w", err)
	}
	files := make([]*zip.File, 0, len(zr.File))
	var declared uint64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
		declared += f.UncompressedSize64
	}
	switch {
	case len(files) == 0:
		return member{}, 0, fmt.Errorf("empty zip archive")
	case len(files) > d.cfg.MaxMembers:
		return member{}, 0, fmt.Errorf("too many zip members: %d (max %d)", len(files), d.cfg.MaxMembers)
	case declared > uint64(d.cfg.MaxUncompressed):
		return member{}, 0, fmt.Errorf("zip too large: %d bytes uncompressed (max %d)", declared, d.cfg.MaxUncompressed)
	}

	// Declared sizes can lie, so reads are capped by what is left of the
	// budget.
	budget := d.cfg.MaxUncompressed
	members := make([]member, 0, len(files))
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return member{}, 0, fmt.Errorf("opening zip member %q: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, budget+1))
		rc.Close()
		if err != nil {
			return member{}, 0, fmt.Errorf("reading zip member %q: %w", f.Name, err)
		}
		budget -= int64(len(data))
		if budget < 0 {
			return member{}, 0, fmt.Errorf("zip exceeds %d bytes uncompressed", d.cfg.MaxUncompressed)
		}
		members = append(members, member{name: memberName(f), kind: sniffKind(data), data: data})
	}
	return pickBest(members), len(files), nil
}

func (d *Decoder) gunzip(raw []byte) (member, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return member{}, fmt.Errorf("corrupt gzip stream: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, d.cfg.MaxUncompressed+1))
	if err != nil {
		return member{}, fmt.Errorf("corrupt gzip stream: %w", err)
	}
	if int64(len(data)) > d.cfg.MaxUncompressed {
		return member{}, fmt.Errorf("gzip exceeds %d bytes uncompressed", d.cfg.MaxUncompressed)
	}
	return member{name: zr.Name, kind: sniffKind(data), data: data}, nil
}

// pickBest prefers html over xml over binary, then the larger member, then
// the name for a stable choice.
func pickBest(members []member) member {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if kindRank(a.kind) != kindRank(b.kind) {
			return kindRank(a.kind) < kindRank(b.kind)
		}
		if len(a.data) != len(b.data) {
			return len(a.data) > len(b.data)
		}
		return a.name < b.name
	})
	return members[0]
}

// memberName returns the base name of a zip entry. Entries written by Korean
// tools without the UTF-8 flag carry CP949 names.
func memberName(f *zip.File) string {
	name := f.Name
	if f.NonUTF8 || !utf8.ValidString(name) {
		if decoded, err := korean.EUCKR.NewDecoder().String(name); err == nil {
			name = decoded
		}
	}
	return path.Base(name)
}
