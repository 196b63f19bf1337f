package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
)

// Canonical column names, in the order new ledgers are written.
const (
	ColEmail             = "Email"
	ColEmailCreatedAt    = "EmailCreatedAt"
	ColAPIKey            = "SDApiKey"
	ColAPIKeyCreatedAt   = "SDApiKeyCreatedAt"
	ColAPIKeyStatus      = "SDApiKeyStatus"
	ColAPIKeyExhaustedAt = "SDApiKeyExhaustedAt"
)

// Header is the canonical ledger header.
var Header = []string{
	ColEmail,
	ColEmailCreatedAt,
	ColAPIKey,
	ColAPIKeyCreatedAt,
	ColAPIKeyStatus,
	ColAPIKeyExhaustedAt,
}

// sniffWindow is how many leading bytes are inspected for the delimiter.
const sniffWindow = 4 << 10

// candidateDelimiters in tie-break order.
var candidateDelimiters = []rune{',', '\t', ';', '|'}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// timestampLayouts are tried in order when reading. The naive layouts cover
// ledgers written with timezone-less ISO-8601 stamps; those are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// SniffDelimiter picks the candidate that occurs most often on the first line
// of the sample. Ties go to the earlier candidate; no match yields a comma.
func SniffDelimiter(sample []byte) rune {
	if len(sample) > sniffWindow {
		sample = sample[:sniffWindow]
	}
	sample = bytes.TrimPrefix(sample, utf8BOM)
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}

	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if n := bytes.Count(sample, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// normalizeColumn makes header matching case and space insensitive.
func normalizeColumn(name string) string {
	r := strings.NewReplacer(" ", "", "_", "", "\t", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(name)))
}

// columns maps canonical column names to their position in a file's header.
type columns map[string]int

// document is an in-memory ledger file. Unknown columns are kept, and every
// line whose cells are unchanged is written back exactly as it was read.
type document struct {
	delim   rune
	crlf    bool
	bom     bool
	header  []string
	cols    columns
	records [][]string

	// rawHeader and headerWidth describe the header as read; hasRawHeader is
	// false for an empty file.
	rawHeader    string
	hasRawHeader bool
	headerWidth  int
	// raw and orig hold each parsed record's source line and its padded cells.
	raw  []string
	orig [][]string
}

// parseDocument decodes a ledger file. An empty file yields the canonical header.
// Canonical columns absent from the header are appended to it.
func parseDocument(data []byte) (*document, error) {
	doc := &document{bom: bytes.HasPrefix(data, utf8BOM)}
	data = bytes.TrimPrefix(data, utf8BOM)
	doc.delim = SniffDelimiter(data)
	doc.crlf = bytes.Contains(data, []byte("\r\n"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = doc.delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	switch {
	case errors.Is(err, io.EOF):
		header = append([]string(nil), Header...)
	case err != nil:
		return nil, fmt.Errorf("failed to read ledger header: %w", err)
	default:
		doc.rawHeader = trimLineEnding(data[:r.InputOffset()])
		doc.hasRawHeader = true
		doc.headerWidth = len(header)
	}
	doc.header = header
	doc.indexColumns()

	if _, ok := doc.cols[ColEmail]; !ok {
		return nil, fmt.Errorf("ledger header %q has no %s column", strings.Join(header, string(doc.delim)), ColEmail)
	}

	for {
		start := r.InputOffset()
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger row %d: %w", len(doc.records)+2, err)
		}
		rec = doc.pad(rec)
		doc.records = append(doc.records, rec)
		doc.raw = append(doc.raw, trimLineEnding(data[start:r.InputOffset()]))
		doc.orig = append(doc.orig, append([]string(nil), rec...))
	}
	return doc, nil
}

// trimLineEnding drops one trailing LF or CRLF.
func trimLineEnding(line []byte) string {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line)
}

// indexColumns maps the header onto the canonical names and appends any that are missing.
func (d *document) indexColumns() {
	positions := make(map[string]int, len(d.header))
	for i, name := range d.header {
		key := normalizeColumn(name)
		if _, seen := positions[key]; !seen {
			positions[key] = i
		}
	}

	d.cols = make(columns, len(Header))
	for _, name := range Header {
		if i, ok := positions[normalizeColumn(name)]; ok {
			d.cols[name] = i
			continue
		}
		if name == ColEmail {
			continue
		}
		d.header = append(d.header, name)
		d.cols[name] = len(d.header) - 1
	}
}

// pad extends short records to the header width.
func (d *document) pad(rec []string) []string {
	for len(rec) < len(d.header) {
		rec = append(rec, "")
	}
	return rec
}

func (d *document) get(rec []string, col string) string {
	i, ok := d.cols[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (d *document) set(rec []string, col, value string) {
	if i, ok := d.cols[col]; ok && i < len(rec) {
		rec[i] = value
	}
}

// newRecord returns an empty record sized to the header.
func (d *document) newRecord() []string {
	return make([]string, len(d.header))
}

// indexOf returns the position of the row with the given email, or -1.
func (d *document) indexOf(email string) int {
	email = strings.TrimSpace(email)
	for i, rec := range d.records {
		if strings.EqualFold(d.get(rec, ColEmail), email) {
			return i
		}
	}
	return -1
}

// row converts a raw record into a LedgerRow. Unparseable timestamps read as zero;
// the raw cell is kept on disk.
func (d *document) row(rec []string) schemas.LedgerRow {
	return schemas.LedgerRow{
		Email:             d.get(rec, ColEmail),
		EmailCreatedAt:    parseTimestamp(d.get(rec, ColEmailCreatedAt)),
		APIKey:            d.get(rec, ColAPIKey),
		APIKeyCreatedAt:   parseTimestamp(d.get(rec, ColAPIKeyCreatedAt)),
		APIKeyStatus:      schemas.ParseKeyStatus(d.get(rec, ColAPIKeyStatus)),
		APIKeyExhaustedAt: parseTimestamp(d.get(rec, ColAPIKeyExhaustedAt)),
	}
}

func (d *document) rows() []schemas.LedgerRow {
	rows := make([]schemas.LedgerRow, 0, len(d.records))
	for _, rec := range d.records {
		rows = append(rows, d.row(rec))
	}
	return rows
}

// encode serializes the document with its original delimiter, line endings
// and byte order mark. Unchanged lines are copied from the source.
func (d *document) encode() ([]byte, error) {
	eol := "\n"
	if d.crlf {
		eol = "\r\n"
	}

	var buf bytes.Buffer
	if d.bom {
		buf.Write(utf8BOM)
	}

	if d.hasRawHeader {
		buf.WriteString(d.rawHeader)
		if extra := d.header[d.headerWidth:]; len(extra) > 0 {
			buf.WriteRune(d.delim)
			buf.WriteString(d.encodeRecord(extra))
		}
	} else {
		buf.WriteString(d.encodeRecord(d.header))
	}
	buf.WriteString(eol)

	for i, rec := range d.records {
		if i < len(d.orig) && slices.Equal(rec, d.orig[i]) {
			buf.WriteString(d.raw[i])
		} else {
			buf.WriteString(d.encodeRecord(rec))
		}
		buf.WriteString(eol)
	}
	return buf.Bytes(), nil
}

// encodeRecord renders one line. Cells are quoted only when they hold the
// delimiter, a quote or a line break, so padded cells keep their spacing.
func (d *document) encodeRecord(fields []string) string {
	if len(fields) == 1 && fields[0] == "" {
		return `""`
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteRune(d.delim)
		}
		if strings.ContainsRune(f, d.delim) || strings.ContainsAny(f, "\"\r\n") {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(f)
	}
	return b.String()
}

// FormatTimestamp renders a timestamp the way the ledger stores it. Zero is empty.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
