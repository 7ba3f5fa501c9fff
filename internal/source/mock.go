package source

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/klauspost/compress/zip"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
)

type company struct {
	code, name, stock, class string
}

var mockCompanies = []company{
	{"00126380", "삼성전자", "005930", "Y"},
	{"00164742", "SK하이닉스", "000660", "Y"},
	{"00356370", "네이버", "035420", "Y"},
	{"00401731", "카카오", "035720", "Y"},
	{"00164779", "현대자동차", "005380", "Y"},
	{"01515323", "LG에너지솔루션", "373220", "Y"},
	{"00413046", "셀트리온", "068270", "Y"},
	{"00106641", "기아", "000270", "Y"},
	{"00155319", "포스코홀딩스", "005490", "Y"},
	{"00877059", "삼성바이오로직스", "207940", "Y"},
}

var mockReports = []string{
	"사업보고서",
	"반기보고서",
	"분기보고서",
	"주요사항보고서",
	"임원ㆍ주요주주특정증권등소유상황보고서",
	"최대주주등소유주식변동신고서",
	"기업설명회(IR)개최",
	"공정공시",
	"자기주식취득결정",
	"유상증자결정",
}

var mockRemarks = []string{"", "유", "코", "채", "넥", "공", "연", "정", "철"}

// Mock fabricates filings. Every fetch adds a few new filings to a rolling
// window and returns the most recent n, so consecutive fetches overlap the
// way real polling does.
type Mock struct {
	mu      sync.Mutex
	faker   *gofakeit.Faker
	window  []filing.Record
	ids     map[string]struct{}
	now     func() time.Time
	perPoll [2]int
	logger  *slog.Logger
}

// NewMock returns a mock source. seed 0 picks a random seed.
func NewMock(seed int64) *Mock {
	return &Mock{
		faker:   gofakeit.New(seed),
		ids:     make(map[string]struct{}),
		now:     time.Now,
		perPoll: [2]int{3, 8},
		logger:  slog.Default().With("component", "mock-source"),
	}
}

func (m *Mock) FetchRecent(ctx context.Context, n int) ([]filing.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	date := m.now().In(kst).Format("20060102")
	count := m.faker.Number(m.perPoll[0], m.perPoll[1])
	for i := 0; i < count; i++ {
		rec, err := m.generate(date)
		if err != nil {
			return nil, err
		}
		m.window = append(m.window, rec)
	}
	if len(m.window) > n {
		m.window = m.window[len(m.window)-n:]
	}
	m.logger.Info("generated fake filings", "new", count, "returned", len(m.window))
	return append([]filing.Record(nil), m.window...), nil
}

func (m *Mock) nextID(date string) string {
	for {
		id := fmt.Sprintf("%s%06d", date, m.faker.Number(100000, 999999))
		if _, dup := m.ids[id]; !dup {
			m.ids[id] = struct{}{}
			return id
		}
	}
}

func (m *Mock) generate(date string) (filing.Record, error) {
	c := mockCompanies[m.faker.Number(0, len(mockCompanies)-1)]
	id := m.nextID(date)
	meta := filing.Meta{
		CorpCode:    c.code,
		CorpName:    c.name,
		StockCode:   c.stock,
		CorpClass:   c.class,
		ReportName:  mockReports[m.faker.Number(0, len(mockReports)-1)],
		FilerName:   c.name,
		ReceiptDate: date,
		Remarks:     mockRemarks[m.faker.Number(0, len(mockRemarks)-1)],
		PollingDate: date,
	}
	payload, err := m.document(id, meta)
	if err != nil {
		return filing.Record{}, fmt.Errorf("building mock document: %w", err)
	}
	return filing.Record{
		ID:         id,
		FetchedAt:  m.now().UTC(),
		RawPayload: payload,
		Meta:       meta,
	}, nil
}

// document renders a small HTML filing and zips it the way DART ships them.
func (m *Mock) document(id string, meta filing.Meta) ([]byte, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "<!DOCTYPE html>\n<html lang=\"ko\">\n<head>\n<meta charset=\"UTF-8\">\n<title>%s - %s</title>\n</head>\n<body>\n",
		html.EscapeString(meta.CorpName), html.EscapeString(meta.ReportName))
	fmt.Fprintf(&body, "<h1>%s</h1>\n<p>접수번호: %s</p>\n", html.EscapeString(meta.ReportName), id)
	fmt.Fprintf(&body, "<p>%s</p>\n", html.EscapeString(m.faker.Paragraph(2, 4, 12, " ")))
	body.WriteString("<table border=\"1\">\n<tr><th>항목</th><th>금액</th></tr>\n")
	fmt.Fprintf(&body, "<tr><td>자산총계</td><td>%d억원</td></tr>\n", m.faker.Number(1000, 9999))
	fmt.Fprintf(&body, "<tr><td>매출액</td><td>%d억원</td></tr>\n", m.faker.Number(100, 999))
	fmt.Fprintf(&body, "<tr><td>영업이익</td><td>%d억원</td></tr>\n", m.faker.Number(10, 99))
	body.WriteString("</table>\n</body>\n</html>\n")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(id + ".html")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
