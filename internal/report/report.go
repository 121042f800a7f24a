// Package report aggregates document totals per invoice type and lists the
// non-accounting work documents of a SAF-T (AO) file.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	money "github.com/rezonia/saftao/internal/decimal"
	"github.com/rezonia/saftao/internal/saft"
)

// UnknownType labels documents without a type
const UnknownType = "DESCONHECIDO"

// Totals is a net/tax/gross triple
type Totals struct {
	Net   decimal.Decimal `json:"net_total"`
	Tax   decimal.Decimal `json:"tax_total"`
	Gross decimal.Decimal `json:"gross_total"`
}

// Add accumulates o into t
func (t *Totals) Add(o Totals) {
	t.Net = t.Net.Add(o.Net)
	t.Tax = t.Tax.Add(o.Tax)
	t.Gross = t.Gross.Add(o.Gross)
}

// TypeTotals are the totals of one InvoiceType
type TypeTotals struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
	Totals
}

// WorkDocument is a non-accounting document
type WorkDocument struct {
	Type       string `json:"document_type"`
	Number     string `json:"document_number"`
	Date       string `json:"document_date"`
	CustomerID string `json:"customer_id"`
	Totals     Totals `json:"totals"`
}

// Report is the aggregate of one document
type Report struct {
	ByType        []TypeTotals   `json:"totals_by_type"`
	Overall       Totals         `json:"overall_totals"`
	WorkDocuments []WorkDocument `json:"non_accounting_documents"`
}

// Type returns the totals of an invoice type
func (r *Report) Type(name string) (TypeTotals, bool) {
	for _, t := range r.ByType {
		if t.Type == name {
			return t, true
		}
	}
	return TypeTotals{}, false
}

// Aggregate reads the DocumentTotals of every invoice and work document.
// Invoice types keep the order they first appear in.
func Aggregate(doc *saft.Document) *Report {
	r := &Report{}
	index := make(map[string]int)

	for _, inv := range doc.Documents(saft.KindInvoice) {
		typ := doc.Text(inv, "InvoiceType")
		if typ == "" {
			typ = UnknownType
		}
		i, ok := index[typ]
		if !ok {
			i = len(r.ByType)
			index[typ] = i
			r.ByType = append(r.ByType, TypeTotals{Type: typ})
		}
		totals := documentTotals(doc, inv)
		r.ByType[i].Count++
		r.ByType[i].Add(totals)
		r.Overall.Add(totals)
	}

	for _, wd := range doc.Documents(saft.KindWorkDocument) {
		typ := doc.Text(wd, "DocumentType")
		if typ == "" {
			typ = UnknownType
		}
		r.WorkDocuments = append(r.WorkDocuments, WorkDocument{
			Type:       typ,
			Number:     doc.Text(wd, "DocumentNumber"),
			Date:       doc.Text(wd, "WorkDate"),
			CustomerID: doc.Text(wd, "CustomerID"),
			Totals:     documentTotals(doc, wd),
		})
	}
	return r
}

func documentTotals(doc *saft.Document, el *etree.Element) Totals {
	totals := doc.Child(el, "DocumentTotals")
	if totals == nil {
		return Totals{}
	}
	return Totals{
		Net:   money.ParseOr(doc.Text(totals, "NetTotal"), money.Zero),
		Tax:   money.ParseOr(doc.Text(totals, "TaxPayable"), money.Zero),
		Gross: money.ParseOr(doc.Text(totals, "GrossTotal"), money.Zero),
	}
}

// Column headings of the rendered sections
var (
	SummaryColumns      = []string{"Tipo", "Total sem IVA", "IVA", "Total com IVA"}
	WorkDocumentColumns = []string{"Tipo", "Número", "Data", "Cliente", "Total sem IVA", "IVA", "Total com IVA"}
)

func amounts(t Totals) []string {
	return []string{money.FormatAmount(t.Net), money.FormatAmount(t.Tax), money.FormatAmount(t.Gross)}
}

// WriteCSV writes the summary and the work document list as two CSV
// sections separated by a blank line
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	rows := [][]string{SummaryColumns}
	for _, t := range r.ByType {
		rows = append(rows, append([]string{t.Type}, amounts(t.Totals)...))
	}
	rows = append(rows, append([]string{"Total"}, amounts(r.Overall)...))
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	rows = [][]string{WorkDocumentColumns}
	for _, d := range r.WorkDocuments {
		rows = append(rows, append([]string{d.Type, d.Number, d.Date, d.CustomerID}, amounts(d.Totals)...))
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write work documents: %w", err)
	}
	return nil
}

// WriteTable renders the report for a terminal
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TIPO\tDOCS\tTOTAL SEM IVA\tIVA\tTOTAL COM IVA\t")
	for _, t := range r.ByType {
		a := amounts(t.Totals)
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", t.Type, t.Count, a[0], a[1], a[2])
	}
	a := amounts(r.Overall)
	fmt.Fprintf(tw, "Total\t\t%s\t%s\t%s\t\n", a[0], a[1], a[2])
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.WorkDocuments) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nDocumentos não contabilísticos")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIPO\tNÚMERO\tDATA\tCLIENTE\tTOTAL SEM IVA\tIVA\tTOTAL COM IVA")
	for _, d := range r.WorkDocuments {
		a := amounts(d.Totals)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.Type, d.Number, d.Date, d.CustomerID, a[0], a[1], a[2])
	}
	return tw.Flush()
}
