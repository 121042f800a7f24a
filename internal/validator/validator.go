// Package validator reports schema-adjacent and business-rule violations
// without touching the document.
package validator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/beevik/etree"

	money "github.com/rezonia/saftao/internal/decimal"
	"github.com/rezonia/saftao/internal/logger"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/normalize"
	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/internal/saft"
)

// Reasons carried by INVOICE_CUSTOMER_MISSING
const (
	ReasonNotFound       = "not_found"
	ReasonWrongNamespace = "wrong_namespace"
)

// Validator checks documents against the loaded rule index
type Validator struct {
	rules *rules.Index
	log   *slog.Logger
}

// Option configures a Validator
type Option func(*Validator)

// WithRules sets the rule index. A nil index selects built-in defaults.
func WithRules(ix *rules.Index) Option {
	return func(v *Validator) {
		v.rules = ix
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		v.log = l
	}
}

// New creates a validator
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	v.log = logger.OrDefault(v.log)
	return v
}

// ValidateFile parses path and validates it
func (v *Validator) ValidateFile(path string) ([]model.Issue, error) {
	doc, err := saft.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return v.Validate(doc), nil
}

// Validate returns every issue found in doc, in a stable order: customers,
// invoice references, header, tax blocks, then malformed amounts
func (v *Validator) Validate(doc *saft.Document) []model.Issue {
	var issues []model.Issue
	issues = append(issues, v.customerNamespaces(doc)...)
	issues = append(issues, v.invoiceCustomers(doc)...)
	issues = append(issues, v.header(doc)...)
	issues = append(issues, v.taxCountryRegions(doc)...)
	issues = append(issues, v.amounts(doc)...)

	v.log.Debug("validator.completed", "issues", len(issues), "namespace", doc.Namespace())
	return issues
}

func (v *Validator) customerNamespaces(doc *saft.Document) []model.Issue {
	var issues []model.Issue
	for _, c := range customerRecords(doc) {
		id := doc.CustomerID(c)
		var msg string
		switch {
		case !doc.Is(c, "Customer"):
			msg = fmt.Sprintf("Cliente %s está fora do namespace do documento (%s)", id, c.NamespaceURI())
		case doc.HasPrefixedElements(c):
			msg = fmt.Sprintf("Cliente %s usa um prefixo de namespace em vez do namespace por omissão", id)
		default:
			continue
		}
		issues = append(issues, model.NewIssue(model.CodeCustomerWrongNamespace, msg, map[string]string{
			model.DetailCustomerID: id,
			model.DetailField:      "Customer",
		}))
	}
	return issues
}

// customerRecords returns every MasterFiles child named Customer, whatever
// its namespace
func customerRecords(doc *saft.Document) []*etree.Element {
	mf := doc.MasterFiles()
	if mf == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range mf.ChildElements() {
		if c.Tag == "Customer" {
			out = append(out, c)
		}
	}
	return out
}

// customerIndex splits MasterFiles customers into well-formed records and
// records that only match when namespaces are ignored
func customerIndex(doc *saft.Document) (clean, misplaced map[string]bool) {
	clean = make(map[string]bool)
	misplaced = make(map[string]bool)
	for _, c := range customerRecords(doc) {
		id := doc.CustomerID(c)
		if id == "" {
			continue
		}
		if doc.Is(c, "Customer") && !doc.HasPrefixedElements(c) {
			clean[id] = true
		} else {
			misplaced[id] = true
		}
	}
	return clean, misplaced
}

func (v *Validator) invoiceCustomers(doc *saft.Document) []model.Issue {
	clean, misplaced := customerIndex(doc)

	var issues []model.Issue
	for _, inv := range doc.Documents(saft.KindInvoice) {
		id := doc.Text(inv, "CustomerID")
		if id == "" || clean[id] {
			continue
		}
		reason := ReasonNotFound
		msg := fmt.Sprintf("Cliente %s referido na factura não existe em MasterFiles", id)
		if misplaced[id] {
			reason = ReasonWrongNamespace
			msg = fmt.Sprintf("Cliente %s existe em MasterFiles mas com namespace incorrecto", id)
		}
		issues = append(issues, model.NewIssue(model.CodeInvoiceCustomerMissing, msg, map[string]string{
			model.DetailCustomerID:   id,
			model.DetailDocumentType: saft.KindInvoice.String(),
			model.DetailDocumentID:   doc.DocumentID(saft.KindInvoice, inv),
			model.DetailReason:       reason,
		}))
	}
	return issues
}

func (v *Validator) header(doc *saft.Document) []model.Issue {
	var issues []model.Issue
	check := func(el *etree.Element, field, code, msg string, needs func(string) (string, bool)) {
		if el == nil {
			return
		}
		current := textOf(el)
		suggested, ok := needs(current)
		if !ok {
			return
		}
		issues = append(issues, model.NewIssue(code, msg, map[string]string{
			model.DetailField:          field,
			model.DetailCurrentValue:   current,
			model.DetailSuggestedValue: suggested,
		}))
	}

	taxCfg := v.rules.TaxRegistration()
	check(doc.Child(doc.Header(), "TaxRegistrationNumber"), "TaxRegistrationNumber",
		model.CodeHeaderTaxIDInvalid, "TaxRegistrationNumber deve conter apenas dígitos",
		func(s string) (string, bool) { return normalize.NeedsTaxRegistrationFix(s, taxCfg) })

	address := normalize.CompanyAddress(doc)
	buildingCfg := v.rules.BuildingNumber()
	check(doc.Child(address, "BuildingNumber"), "BuildingNumber",
		model.CodeHeaderBuildingInvalid, "BuildingNumber vazio ou inválido",
		func(s string) (string, bool) { return normalize.NeedsBuildingNumberFix(s, buildingCfg) })

	postalCfg := v.rules.PostalCode()
	check(doc.Child(address, "PostalCode"), "PostalCode",
		model.CodeHeaderPostalCodeInvalid, "PostalCode usa um valor legado",
		func(s string) (string, bool) { return normalize.NeedsPostalCodeFix(s, postalCfg) })

	return issues
}

func (v *Validator) taxCountryRegions(doc *saft.Document) []model.Issue {
	cfg := v.rules.CountryRegion()

	var issues []model.Issue
	for _, tax := range doc.TaxBlocks() {
		ctx := doc.ResolveTaxContext(tax)
		details := map[string]string{
			model.DetailDocumentType: ctx.DocumentType,
			model.DetailDocumentID:   ctx.DocumentID,
			model.DetailLine:         ctx.LineNumber,
			model.DetailField:        "TaxCountryRegion",
		}

		region := saft.ChildByLocalName(tax, "TaxCountryRegion")
		current := textOf(region)
		switch {
		case current == "":
			if !cfg.Required {
				continue
			}
			details[model.DetailSuggestedValue] = cfg.Default
			issues = append(issues, model.NewIssue(model.CodeTaxCountryMissing,
				"TaxCountryRegion em falta ou vazio no bloco Tax", details))
		case !cfg.IsAllowed(current):
			details[model.DetailCurrentValue] = current
			issues = append(issues, model.NewIssue(model.CodeTaxCountryInvalid,
				fmt.Sprintf("TaxCountryRegion %q não é permitido", current), details))
		}
	}
	return issues
}

func (v *Validator) amounts(doc *saft.Document) []model.Issue {
	var issues []model.Issue
	report := func(kind saft.Kind, docID, line, field, value string) {
		issues = append(issues, model.NewIssue(model.CodeAmountMalformed,
			fmt.Sprintf("%s com valor não numérico %q; será tratado como zero", field, value),
			map[string]string{
				model.DetailDocumentType: kind.String(),
				model.DetailDocumentID:   docID,
				model.DetailLine:         line,
				model.DetailField:        field,
				model.DetailCurrentValue: value,
			}))
	}

	for _, kind := range saft.Kinds {
		for _, el := range doc.Documents(kind) {
			docID := doc.DocumentID(kind, el)
			for i, line := range doc.Lines(el) {
				lineID := doc.LineID(line, i+1)
				for _, field := range []string{"Quantity", "UnitPrice"} {
					if s := doc.Text(line, field); money.IsMalformed(s) {
						report(kind, docID, lineID, field, s)
					}
				}
				if s := doc.Text(doc.Child(line, "Tax"), "TaxPercentage"); money.IsMalformed(s) {
					report(kind, docID, lineID, "TaxPercentage", s)
				}
			}
		}
	}
	return issues
}

func textOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}
