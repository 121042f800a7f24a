// Package audit records every change a repair run applies.
package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action codes
const (
	ActionInfoStart           = "INFO_START"
	ActionInfoEnd             = "INFO_END"
	ActionAddNode             = "ADD_NODE"
	ActionRemoveNode          = "REMOVE_NODE"
	ActionFixTaxCountryRegion = "FIX_TAXCOUNTRYREGION"
	ActionFixLineAmount       = "FIX_LINE_AMOUNT"
	ActionFixTaxPercent       = "FIX_TAX_PERCENT"
	ActionFixTaxTablePct      = "FIX_TAXTABLE_PCT"
	ActionFixTaxTableType     = "FIX_TAXTABLE_TAXTYPE"
	ActionFixTaxTableCode     = "FIX_TAXTABLE_TAXCODE"
	ActionOrderEnsure         = "ORDER_ENSURE"
	ActionAddTaxTableEntry    = "ADD_TAXTABLEENTRY"
	ActionFixTotal            = "FIX_TOTAL"
	ActionFixInvoiceType      = "FIX_INVOICE_TYPE"
	ActionAutoAddCustomer     = "AUTOADD_CUSTOMER"
	ActionAutoAddCustomerFail = "AUTOADD_CUSTOMER_FAIL"
	ActionFixCustomerNS       = "FIX_CUSTOMER_NAMESPACE"
	ActionFixTaxRegistration  = "FIX_TAX_REGISTRATION"
	ActionFixBuildingNumber   = "FIX_BUILDING_NUMBER"
	ActionFixPostalCode       = "FIX_POSTAL_CODE"
	ActionFixWorkDocuments    = "FIX_WORKDOCUMENT_TAGS"
	ActionXSDFound            = "XSD_FOUND"
	ActionXSDError            = "XSD_ERROR"
	ActionXSDMissing          = "XSD_MISSING"
	ActionXMLParseError       = "XML_PARSE_ERROR"
	ActionFixError            = "FIX_ERROR"
)

// Columns is the header row of the tabular artifact
var Columns = []string{
	"timestamp",
	"action_code",
	"message",
	"xpath",
	"invoice",
	"line",
	"field",
	"old_value",
	"new_value",
	"note",
	"extra",
}

// StampLayout formats the run stamp used in artifact names
const StampLayout = "20060102T150405Z"

// Entry is one audit row
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action_code"`
	Message   string            `json:"message"`
	XPath     string            `json:"xpath,omitempty"`
	Invoice   string            `json:"invoice,omitempty"`
	Line      string            `json:"line,omitempty"`
	Field     string            `json:"field,omitempty"`
	OldValue  string            `json:"old_value,omitempty"`
	NewValue  string            `json:"new_value,omitempty"`
	Note      string            `json:"note,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Informational reports rows that describe the run rather than a change
func (e Entry) Informational() bool {
	return strings.HasPrefix(e.Action, "INFO_") || strings.HasPrefix(e.Action, "XSD_")
}

// Row renders the entry in column order
func (e Entry) Row() []string {
	extra := ""
	if len(e.Extra) > 0 {
		// map keys marshal sorted, so the text is stable
		if b, err := json.Marshal(e.Extra); err == nil {
			extra = string(b)
		}
	}
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action,
		e.Message,
		e.XPath,
		e.Invoice,
		e.Line,
		e.Field,
		e.OldValue,
		e.NewValue,
		e.Note,
		extra,
	}
}

// Sink receives audit entries
type Sink interface {
	Record(e Entry)
}

// Discard is a Sink that drops every entry
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Entry) {}

// Log collects the entries of one run
type Log struct {
	mu      sync.Mutex
	runID   string
	now     func() time.Time
	started time.Time
	entries []Entry
}

// Option configures a Log
type Option func(*Log)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithRunID overrides the generated run id
func WithRunID(id string) Option {
	return func(l *Log) {
		l.runID = id
	}
}

// NewLog starts a new run log
func NewLog(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.runID == "" {
		l.runID = uuid.NewString()
	}
	l.started = l.now().UTC()
	return l
}

// RunID returns the run identifier
func (l *Log) RunID() string {
	return l.runID
}

// Started returns the time the run started
func (l *Log) Started() time.Time {
	return l.started
}

// Stamp returns the compact run stamp, e.g. 20250102T030405Z
func (l *Log) Stamp() string {
	return l.started.Format(StampLayout)
}

// Record appends an entry, stamping it when no timestamp was set
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Changes returns the entries that describe a document change
func (l *Log) Changes() []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if !e.Informational() {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many entries carry the action code
func (l *Log) Count(action string) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Action == action {
			n++
		}
	}
	return n
}

// WriteCSV renders the log with a header row
func (l *Log) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("failed to write audit header: %w", err)
	}
	for _, e := range l.Entries() {
		if err := cw.Write(e.Row()); err != nil {
			return fmt.Errorf("failed to write audit row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the CSV artifact to path
func (l *Log) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	if err := l.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Digest returns a SHA-256 over every row without timestamps, so two runs
// applying the same changes share a digest
func (l *Log) Digest() string {
	h := sha256.New()
	for _, e := range l.Entries() {
		row := e.Row()[1:]
		io.WriteString(h, strings.Join(row, "\x1f"))
		io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Path names the artifact for a source document:
// {dir}/{stem}_{stamp}_autofix.csv
func Path(source, dir, stamp string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if dir == "" {
		dir = filepath.Dir(source)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_autofix.csv", stem, stamp))
}
