package processor

import (
	"context"
	"time"

	"github.com/rezonia/saftao/internal/metrics"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/saft"
)

// DocumentInfo describes a SAF-T file without validating it
type DocumentInfo struct {
	Namespace             string         `json:"namespace"`
	Qualified             bool           `json:"qualified"`
	AuditFileVersion      string         `json:"audit_file_version,omitempty"`
	CompanyID             string         `json:"company_id,omitempty"`
	TaxRegistrationNumber string         `json:"tax_registration_number,omitempty"`
	CompanyName           string         `json:"company_name,omitempty"`
	FiscalYear            string         `json:"fiscal_year,omitempty"`
	StartDate             string         `json:"start_date,omitempty"`
	EndDate               string         `json:"end_date,omitempty"`
	CurrencyCode          string         `json:"currency_code,omitempty"`
	Customers             int            `json:"customers"`
	Products              int            `json:"products"`
	TaxTableEntries       int            `json:"tax_table_entries"`
	Documents             map[string]int `json:"documents"`
}

// Inspect reads the header identity and document counts of doc
func Inspect(doc *saft.Document) *DocumentInfo {
	h := doc.Header()
	info := &DocumentInfo{
		Namespace:             doc.Namespace(),
		Qualified:             doc.Qualified(),
		AuditFileVersion:      doc.Text(h, "AuditFileVersion"),
		CompanyID:             doc.Text(h, "CompanyID"),
		TaxRegistrationNumber: doc.Text(h, "TaxRegistrationNumber"),
		CompanyName:           doc.Text(h, "CompanyName"),
		FiscalYear:            doc.Text(h, "FiscalYear"),
		StartDate:             doc.Text(h, "StartDate"),
		EndDate:               doc.Text(h, "EndDate"),
		CurrencyCode:          doc.Text(h, "CurrencyCode"),
		Customers:             len(doc.Customers()),
		Products:              len(doc.Children(doc.MasterFiles(), "Product")),
		TaxTableEntries:       len(doc.Descendants(doc.MasterFiles(), "TaxTableEntry")),
		Documents:             make(map[string]int),
	}
	for _, kind := range saft.Kinds {
		info.Documents[kind.String()] = len(doc.Documents(kind))
	}
	return info
}

// Info parses a document and describes it
func (p *Pipeline) Info(ctx context.Context, data []byte) (*DocumentInfo, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := saft.Parse(data)
	if err != nil {
		err = model.NewParseError("", "invalid XML", err)
		metrics.ObserveOperation("info", started, err)
		return nil, err
	}
	metrics.ObserveOperation("info", started, nil)
	return Inspect(doc), nil
}
