// Package filing defines the records that flow through the ingestion
// pipeline: the raw filing fetched from the disclosure source, the decoded
// document that gets archived, the per-filing ledger state and the task
// message handed to the summarization workers.
package filing

import (
	"fmt"
	"time"
)

// Meta is the descriptive metadata the disclosure source returns alongside a
// filing. It is carried through to the published task untouched.
type Meta struct {
	CorpCode    string `json:"corp_code"`
	CorpName    string `json:"corp_name"`
	StockCode   string `json:"stock_code,omitempty"`
	CorpClass   string `json:"corp_cls,omitempty"`
	ReportName  string `json:"report_nm"`
	FilerName   string `json:"flr_nm,omitempty"`
	ReceiptDate string `json:"rcept_dt"`
	Remarks     string `json:"rm,omitempty"`
	PollingDate string `json:"polling_date,omitempty"`
}

// Record is one unit fetched from the disclosure source. It is immutable
// once produced.
type Record struct {
	ID         string
	FetchedAt  time.Time
	RawPayload []byte
	Meta       Meta
}

// Kind is the detected content type of a decoded document.
type Kind string

const (
	KindHTML   Kind = "html"
	KindXML    Kind = "xml"
	KindBinary Kind = "bin"
)

// Encoding describes how a document was normalized.
type Encoding struct {
	// SourceCharset is the charset the bytes were decoded from, empty for
	// binary documents.
	SourceCharset string `json:"source_charset,omitempty"`
	Kind          Kind   `json:"kind"`
	ContentType   string `json:"content_type"`
	// Member is the archive entry the content was taken from, empty when the
	// payload was not an archive.
	Member      string `json:"member,omitempty"`
	Container   string `json:"container"`
	MemberCount int    `json:"member_count,omitempty"`
}

// Summary renders the encoding as a short operator-facing string.
func (e Encoding) Summary() string {
	s := fmt.Sprintf("%s(%s)", e.Container, e.Kind)
	if e.Member != "" {
		s += fmt.Sprintf(" member=%q of %d", e.Member, e.MemberCount)
	}
	if e.SourceCharset != "" {
		s += " charset=" + e.SourceCharset
	}
	return s
}

// Document is the output of the archive decoder.
type Document struct {
	FilingID   string
	Content    []byte
	ContentKey string
	Encoding   Encoding
}

// Object describes an archived document as the ledger records it, so a
// filing resumed after a crash publishes the same task a fresh one would.
type Object struct {
	Key         string
	ContentType string
	Size        int
}

// Object returns what archiving d stores.
func (d Document) Object() Object {
	return Object{
		Key:         d.ContentKey,
		ContentType: d.Encoding.ContentType,
		Size:        len(d.Content),
	}
}

// State is the persisted ingestion progress of one filing. Unseen is never
// stored; it is the absence of an entry.
type State int

const (
	StateUnseen State = iota
	StateArchived
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateArchived:
		return "archived"
	case StatePublished:
		return "published"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "unseen", "":
		return StateUnseen, nil
	case "archived":
		return StateArchived, nil
	case "published":
		return StatePublished, nil
	default:
		return StateUnseen, fmt.Errorf("unknown filing state %q", s)
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Task is the message published once per archived filing. Workers use
// ContentKey to fetch the archived document without re-deriving it.
type Task struct {
	TaskID      string    `json:"task_id"`
	FilingID    string    `json:"rcept_no"`
	ContentKey  string    `json:"object_key"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int       `json:"file_size,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Meta
}
