// Package calc recomputes line and document totals and keeps the TaxTable
// consistent with the Tax blocks the lines use.
//
// Intermediate values live on the fine grid (six places); only values
// written back to the document are rounded to export precision.
package calc

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/rezonia/saftao/internal/audit"
	money "github.com/rezonia/saftao/internal/decimal"
	"github.com/rezonia/saftao/internal/ordering"
	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/internal/saft"
)

// Defaults for Tax blocks and TaxTable entries
const (
	DefaultTaxType       = "IVA"
	DefaultTaxCode       = "NOR"
	DefaultTaxPercentage = "14"
	AutoEntryDescription = "Auto-added for consistency"
)

const grossNote = "Identidade completa: Net - Settlement + Tax - Withholding"

// LineResult holds the computed amounts of one line
type LineResult struct {
	Base   decimal.Decimal // quantity * unit price, fine grid
	Amount decimal.Decimal // Base at export precision
	VAT    decimal.Decimal // Base * pct / 100, fine grid
}

// LineAmounts computes the amounts of a line
func LineAmounts(qty, unit, pct decimal.Decimal) LineResult {
	base := money.QuantizeFine(qty.Mul(unit))
	return LineResult{
		Base:   base,
		Amount: money.QuantizeExport(base),
		VAT:    money.Percentage(base, pct),
	}
}

// DocumentTotals holds the recomputed totals of a document
type DocumentTotals struct {
	Net   decimal.Decimal
	Tax   decimal.Decimal
	Gross decimal.Decimal
}

// Totals sums line bases and VAT and applies the full gross identity:
// gross = q2(net - settlement + tax - withholding)
func Totals(bases, vats []decimal.Decimal, settlement, withholding decimal.Decimal) DocumentTotals {
	net := money.QuantizeExport(money.Sum(bases))
	tax := money.QuantizeExport(money.Sum(vats))
	return DocumentTotals{
		Net:   net,
		Tax:   tax,
		Gross: money.QuantizeExport(net.Sub(settlement).Add(tax).Sub(withholding)),
	}
}

// Options tune a Calculator
type Options struct {
	LineOrder   []string
	TotalsOrder ordering.TotalsOrder
	Region      rules.CountryRegionConfig
}

// Calculator applies the tax identity to a document, reporting every change
// to its sink
type Calculator struct {
	doc  *saft.Document
	sink audit.Sink
	opts Options
}

// New creates a calculator for doc
func New(doc *saft.Document, sink audit.Sink, opts Options) *Calculator {
	if sink == nil {
		sink = audit.Discard
	}
	if opts.LineOrder == nil {
		opts.LineOrder = ordering.FullLineOrder
	}
	if opts.Region.Default == "" {
		opts.Region.Default = "AO"
	}
	return &Calculator{doc: doc, sink: sink, opts: opts}
}

// FixDocument recomputes every line of a source document and then its
// DocumentTotals, creating the totals block when missing
func (c *Calculator) FixDocument(kind saft.Kind, el *etree.Element) DocumentTotals {
	id := c.doc.DocumentID(kind, el)

	totals := c.doc.Child(el, "DocumentTotals")
	if totals == nil {
		totals = c.doc.Create(el, "DocumentTotals", "")
		c.sink.Record(audit.Entry{
			Action:  audit.ActionAddNode,
			Message: "Criado DocumentTotals",
			Invoice: id,
			XPath:   saft.Path(el),
		})
	}

	var bases, vats []decimal.Decimal
	for i, line := range c.doc.Lines(el) {
		r := c.FixLine(line, id, c.doc.LineID(line, i+1))
		bases = append(bases, r.Base)
		vats = append(vats, r.VAT)
	}
	return c.FixTotals(totals, id, bases, vats)
}

// FixLine enforces debit/credit exclusivity, rewrites the line amount,
// completes the Tax block and registers its TaxTable entry
func (c *Calculator) FixLine(line *etree.Element, owner, lineID string) LineResult {
	xpath := saft.Path(line)
	record := func(e audit.Entry) {
		e.Invoice = owner
		e.Line = lineID
		e.XPath = xpath
		c.sink.Record(e)
	}

	qty := money.ParseOr(c.doc.Text(line, "Quantity"), money.Zero)
	unit := money.ParseOr(c.doc.Text(line, "UnitPrice"), money.Zero)
	base := money.QuantizeFine(qty.Mul(unit))
	amount := money.FormatAmount(money.QuantizeExport(base))

	c.exclusiveAmount(line, amount, record)

	tax := c.doc.Child(line, "Tax")
	if tax == nil {
		tax = c.doc.Create(line, "Tax", "")
		c.doc.Create(tax, "TaxType", DefaultTaxType)
		c.doc.Create(tax, "TaxCountryRegion", c.opts.Region.Default)
		c.doc.Create(tax, "TaxCode", DefaultTaxCode)
		c.doc.Create(tax, "TaxPercentage", DefaultTaxPercentage)
		record(audit.Entry{
			Action:  audit.ActionAddNode,
			Message: "Criado bloco Tax na linha",
			Field:   "Tax",
		})
	}

	ttype := textOr(c.doc, tax, "TaxType", DefaultTaxType)
	tcode := textOr(c.doc, tax, "TaxCode", DefaultTaxCode)

	pctEl := c.doc.Child(tax, "TaxPercentage")
	if pctEl == nil {
		pctEl = c.doc.Create(tax, "TaxPercentage", DefaultTaxPercentage)
		record(audit.Entry{
			Action:   audit.ActionAddNode,
			Message:  "Adicionado TaxPercentage em Tax",
			Field:    "TaxPercentage",
			NewValue: DefaultTaxPercentage,
		})
	} else {
		old := textOf(pctEl)
		src := old
		if src == "" {
			src = "0"
		}
		if formatted := money.FormatPercentage(src); formatted != old {
			pctEl.SetText(formatted)
			record(audit.Entry{
				Action:   audit.ActionFixTaxPercent,
				Message:  "Formatado TaxPercentage (inteiro ou 2 casas)",
				Field:    "TaxPercentage",
				OldValue: old,
				NewValue: formatted,
			})
		}
	}

	c.EnsureCountryRegion(tax, owner, lineID)

	pct := money.ParseOr(textOf(pctEl), money.Zero)
	c.EnsureTaxTableEntry(ttype, tcode, pct, owner, lineID, xpath)
	ordering.Reorder(line, c.opts.LineOrder)

	return LineResult{
		Base:   base,
		Amount: money.QuantizeExport(base),
		VAT:    money.Percentage(base, pct),
	}
}

// exclusiveAmount leaves exactly one of DebitAmount and CreditAmount on a
// line and writes amount to it. An empty amount keeps the existing value;
// between two amounts the non-zero one survives, DebitAmount on a tie.
func (c *Calculator) exclusiveAmount(line *etree.Element, amount string, record func(audit.Entry)) {
	debit := c.doc.Child(line, "DebitAmount")
	credit := c.doc.Child(line, "CreditAmount")

	keep, field := debit, "DebitAmount"
	switch {
	case debit != nil && credit != nil:
		drop, dropField := credit, "CreditAmount"
		if amount == "" && isZero(debit) && !isZero(credit) {
			keep, field, drop, dropField = credit, "CreditAmount", debit, "DebitAmount"
		}
		line.RemoveChild(drop)
		record(audit.Entry{
			Action:   audit.ActionRemoveNode,
			Message:  "Removido " + dropField + " (duplicado)",
			Field:    dropField,
			OldValue: textOf(drop),
		})
	case credit != nil:
		keep, field = credit, "CreditAmount"
	case debit == nil:
		if amount == "" {
			amount = money.FormatAmount(money.Zero)
		}
		el := c.doc.NewElement("DebitAmount", amount)
		if tax := c.doc.Child(line, "Tax"); tax != nil {
			saft.InsertBefore(line, tax, el)
		} else {
			line.AddChild(el)
		}
		record(audit.Entry{
			Action:   audit.ActionAddNode,
			Message:  "Adicionado DebitAmount na linha",
			Field:    "DebitAmount",
			NewValue: amount,
		})
		return
	}
	if amount != "" {
		c.setAmount(keep, field, amount, record)
	}
}

func isZero(el *etree.Element) bool {
	return money.ParseOr(textOf(el), money.Zero).IsZero()
}

// KeepDocument repairs a document whose amounts are not derived from
// quantities, as Payments are. Every line keeps exactly one of DebitAmount
// and CreditAmount, a missing one taken from Quantity * UnitPrice when the
// line has both, and gets a TaxCountryRegion. GrossTotal is derived from
// the NetTotal and TaxPayable already present. The bool is false when the
// document has no DocumentTotals.
func (c *Calculator) KeepDocument(kind saft.Kind, el *etree.Element) (DocumentTotals, bool) {
	id := c.doc.DocumentID(kind, el)
	for i, line := range c.doc.Lines(el) {
		lineID := c.doc.LineID(line, i+1)
		xpath := saft.Path(line)
		amount := ""
		if c.doc.Child(line, "DebitAmount") == nil && c.doc.Child(line, "CreditAmount") == nil {
			qty, okQty := money.Parse(c.doc.Text(line, "Quantity"))
			unit, okUnit := money.Parse(c.doc.Text(line, "UnitPrice"))
			if okQty && okUnit {
				amount = money.FormatAmount(money.QuantizeExport(qty.Mul(unit)))
			}
		}
		c.exclusiveAmount(line, amount, func(e audit.Entry) {
			e.Invoice = id
			e.Line = lineID
			e.XPath = xpath
			c.sink.Record(e)
		})
		if tax := c.doc.Child(line, "Tax"); tax != nil {
			c.EnsureCountryRegion(tax, id, lineID)
		}
	}

	totals := c.doc.Child(el, "DocumentTotals")
	if totals == nil {
		return DocumentTotals{}, false
	}
	settlement, withholding := c.deductions(totals)
	result := DocumentTotals{
		Net: money.ParseOr(c.doc.Text(totals, "NetTotal"), money.Zero),
		Tax: money.ParseOr(c.doc.Text(totals, "TaxPayable"), money.Zero),
	}
	result.Gross = money.QuantizeExport(result.Net.Sub(settlement).Add(result.Tax).Sub(withholding))

	if c.doc.Child(totals, "TaxPayable") == nil {
		c.setTotal(totals, id, "TaxPayable", result.Tax)
	}
	if c.doc.Child(totals, "NetTotal") == nil {
		c.setTotal(totals, id, "NetTotal", result.Net)
	}
	c.setTotal(totals, id, "GrossTotal", result.Gross)
	ordering.Reorder(totals, c.opts.TotalsOrder.Names())
	return result, true
}

func (c *Calculator) setAmount(el *etree.Element, field, amount string, record func(audit.Entry)) {
	old := textOf(el)
	if old == amount {
		return
	}
	el.SetText(amount)
	record(audit.Entry{
		Action:   audit.ActionFixLineAmount,
		Message:  field + " ajustado para q2(qty*unit)",
		Field:    field,
		OldValue: old,
		NewValue: amount,
	})
}

// FixTotals writes TaxPayable, NetTotal and GrossTotal. Settlement and
// withholding are read from the block and never modified.
func (c *Calculator) FixTotals(totals *etree.Element, owner string, bases, vats []decimal.Decimal) DocumentTotals {
	settlement, withholding := c.deductions(totals)
	result := Totals(bases, vats, settlement, withholding)
	values := map[string]decimal.Decimal{
		"TaxPayable": result.Tax,
		"NetTotal":   result.Net,
		"GrossTotal": result.Gross,
	}
	for _, tag := range []string{"TaxPayable", "NetTotal", "GrossTotal"} {
		c.setTotal(totals, owner, tag, values[tag])
	}
	ordering.Reorder(totals, c.opts.TotalsOrder.Names())
	return result
}

func (c *Calculator) deductions(totals *etree.Element) (settlement, withholding decimal.Decimal) {
	settlement = money.Zero
	if s := c.doc.Child(totals, "Settlement"); s != nil {
		settlement = money.ParseOr(c.doc.Text(s, "SettlementAmount"), money.Zero)
	}
	withholding = money.Zero
	for _, w := range c.doc.Children(totals, "WithholdingTax") {
		withholding = withholding.Add(money.ParseOr(c.doc.Text(w, "WithholdingTaxAmount"), money.Zero))
	}
	return settlement, withholding
}

func (c *Calculator) setTotal(totals *etree.Element, owner, tag string, value decimal.Decimal) {
	el := c.doc.Child(totals, tag)
	old := ""
	if el == nil {
		el = c.doc.Create(totals, tag, "")
	} else {
		old = textOf(el)
	}
	formatted := money.FormatAmount(value)
	if old == formatted {
		return
	}
	el.SetText(formatted)
	c.sink.Record(audit.Entry{
		Action:   audit.ActionFixTotal,
		Message:  tag + " ajustado",
		Invoice:  owner,
		Field:    tag,
		OldValue: old,
		NewValue: formatted,
		Note:     grossNote,
		XPath:    saft.Path(totals),
	})
}

// EnsureCountryRegion makes sure a Tax block carries a non-empty
// TaxCountryRegion placed after TaxType. Existing values, including foreign
// jurisdictions, are preserved. It reports whether the region was written.
func (c *Calculator) EnsureCountryRegion(tax *etree.Element, owner, lineID string) bool {
	region := c.doc.Child(tax, "TaxCountryRegion")
	created := region == nil
	if created {
		region = c.doc.NewElement("TaxCountryRegion", "")
	}
	ordering.PlaceAfter(tax, region, "TaxType")

	current := textOf(region)
	if current != "" {
		return false
	}
	region.SetText(c.opts.Region.Default)

	e := audit.Entry{
		Action:   audit.ActionFixTaxCountryRegion,
		Message:  "TaxCountryRegion definido para valor por omissão",
		Invoice:  owner,
		Line:     lineID,
		Field:    "TaxCountryRegion",
		NewValue: c.opts.Region.Default,
		XPath:    saft.Path(tax),
	}
	if created {
		e.Action = audit.ActionAddNode
		e.Message = "Adicionado TaxCountryRegion em Tax (valor por omissão)"
	}
	c.sink.Record(e)
	return true
}

// TaxTable returns MasterFiles/TaxTable, creating both when missing
func (c *Calculator) TaxTable() *etree.Element {
	mf, created := c.doc.EnsureMasterFiles()
	if created {
		c.sink.Record(audit.Entry{
			Action:  audit.ActionAddNode,
			Message: "Criado MasterFiles",
			Note:    "MasterFiles inexistente",
		})
	}
	tt := c.doc.Child(mf, "TaxTable")
	if tt == nil {
		tt = c.doc.Create(mf, "TaxTable", "")
		c.sink.Record(audit.Entry{
			Action:  audit.ActionAddNode,
			Message: "Criado TaxTable",
			Note:    "TaxTable inexistente",
		})
	}
	return tt
}

// EnsureTaxTableEntry guarantees an entry for (type, code, pct). Entries
// match when type and code are equal and the percentages are numerically
// equal; missing entry fields read as IVA, NOR and 0.
func (c *Calculator) EnsureTaxTableEntry(ttype, tcode string, pct decimal.Decimal, owner, lineID, xpath string) *etree.Element {
	tt := c.TaxTable()
	for _, entry := range c.doc.Children(tt, "TaxTableEntry") {
		eType := textOr(c.doc, entry, "TaxType", DefaultTaxType)
		eCode := textOr(c.doc, entry, "TaxCode", DefaultTaxCode)
		ePct, ok := money.Parse(textOr(c.doc, entry, "TaxPercentage", "0"))
		if !ok {
			continue
		}
		if eType == ttype && eCode == tcode && ePct.Equal(pct) {
			ordering.Reorder(entry, ordering.TaxTableEntryOrder)
			return entry
		}
	}

	formatted := money.FormatPercentageValue(pct)
	entry := c.doc.Create(tt, "TaxTableEntry", "")
	c.doc.Create(entry, "TaxType", ttype)
	c.doc.Create(entry, "TaxCode", tcode)
	c.doc.Create(entry, "Description", AutoEntryDescription)
	c.doc.Create(entry, "TaxPercentage", formatted)
	c.sink.Record(audit.Entry{
		Action:   audit.ActionAddTaxTableEntry,
		Message:  "Adicionada entrada à TaxTable",
		Invoice:  owner,
		Line:     lineID,
		Field:    "TaxTableEntry",
		NewValue: fmt.Sprintf("%s/%s/%s", ttype, tcode, formatted),
		Note:     "Entrada criada para alinhar com a Tax usada na linha",
		XPath:    xpath,
	})
	return entry
}

// NormalizeTaxTable fills missing TaxType and TaxCode, formats every
// TaxPercentage and orders the entry fields. It reports whether anything changed.
func (c *Calculator) NormalizeTaxTable() bool {
	tt := c.doc.Child(c.doc.MasterFiles(), "TaxTable")
	changed := false
	for _, entry := range c.doc.Children(tt, "TaxTableEntry") {
		if c.fillEntryField(entry, "TaxType", DefaultTaxType, audit.ActionFixTaxTableType) {
			changed = true
		}
		if c.fillEntryField(entry, "TaxCode", DefaultTaxCode, audit.ActionFixTaxTableCode) {
			changed = true
		}

		if pctEl := c.doc.Child(entry, "TaxPercentage"); pctEl != nil {
			old := textOf(pctEl)
			src := old
			if src == "" {
				src = "0"
			}
			if formatted := money.FormatPercentage(src); formatted != old {
				pctEl.SetText(formatted)
				c.sink.Record(audit.Entry{
					Action:   audit.ActionFixTaxTablePct,
					Message:  "TaxTableEntry.TaxPercentage formatado",
					Field:    "TaxPercentage",
					OldValue: old,
					NewValue: formatted,
				})
				changed = true
			}
		}

		if ordering.Reorder(entry, ordering.TaxTableEntryOrder) {
			changed = true
		}
	}
	if changed {
		c.sink.Record(audit.Entry{
			Action:  audit.ActionOrderEnsure,
			Message: "Ordenação aplicada nas TaxTableEntry",
			Note:    "TaxType, TaxCountryRegion, TaxCode, Description, TaxPercentage",
		})
	}
	return changed
}

func (c *Calculator) fillEntryField(entry *etree.Element, field, value, action string) bool {
	el := c.doc.Child(entry, field)
	old := ""
	if el == nil {
		el = c.doc.Create(entry, field, "")
	} else {
		old = textOf(el)
	}
	if old != "" {
		return false
	}
	el.SetText(value)
	c.sink.Record(audit.Entry{
		Action:   action,
		Message:  fmt.Sprintf("TaxTableEntry.%s definido para %s", field, value),
		Field:    field,
		NewValue: value,
		XPath:    saft.Path(entry),
	})
	return true
}

func textOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

func textOr(doc *saft.Document, parent *etree.Element, local, def string) string {
	if v := doc.Text(parent, local); v != "" {
		return v
	}
	return def
}
