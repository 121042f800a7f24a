package calc_test

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/calc"
	"github.com/rezonia/saftao/internal/ordering"
	"github.com/rezonia/saftao/internal/saft"
)

const invoiceXML = `<?xml version="1.0" encoding="UTF-8"?>
<AuditFile xmlns="urn:OECD:StandardAuditFile-Tax:AO_1.01_01">
  <Header/>
  <MasterFiles/>
  <SourceDocuments>
    <SalesInvoices>
      <Invoice>
        <InvoiceNo>FT A/1</InvoiceNo>
        <Line>
          <LineNumber>1</LineNumber>
          <Quantity>1</Quantity>
          <UnitPrice>100</UnitPrice>
          <Tax>
            <TaxType>IVA</TaxType>
            <TaxCode>NOR</TaxCode>
            <TaxPercentage>14.00</TaxPercentage>
          </Tax>
          <DebitAmount>99.99</DebitAmount>
        </Line>
        <DocumentTotals>
          <GrossTotal>0</GrossTotal>
          <NetTotal>0</NetTotal>
          <TaxPayable>0</TaxPayable>
          <Settlement>
            <SettlementAmount>5.00</SettlementAmount>
          </Settlement>
          <WithholdingTax>
            <WithholdingTaxAmount>2.00</WithholdingTaxAmount>
          </WithholdingTax>
        </DocumentTotals>
      </Invoice>
    </SalesInvoices>
  </SourceDocuments>
</AuditFile>`

func parse(t *testing.T, xml string) *saft.Document {
	t.Helper()
	doc, err := saft.Parse([]byte(xml))
	require.NoError(t, err)
	return doc
}

func tags(el *etree.Element) []string {
	var out []string
	for _, c := range el.ChildElements() {
		out = append(out, c.Tag)
	}
	return out
}

func firstInvoice(t *testing.T, doc *saft.Document) *etree.Element {
	t.Helper()
	invoices := doc.Documents(saft.KindInvoice)
	require.NotEmpty(t, invoices)
	return invoices[0]
}

func fixAll(doc *saft.Document, sink audit.Sink, opts calc.Options) {
	c := calc.New(doc, sink, opts)
	c.NormalizeTaxTable()
	for _, inv := range doc.Documents(saft.KindInvoice) {
		c.FixDocument(saft.KindInvoice, inv)
	}
}

func TestLineAmounts(t *testing.T) {
	r := calc.LineAmounts(decimal.RequireFromString("3"), decimal.RequireFromString("10.555"), decimal.RequireFromString("14"))

	assert.Equal(t, "31.665", r.Base.String())
	assert.Equal(t, "31.67", r.Amount.StringFixed(2))
	assert.Equal(t, "4.4331", r.VAT.String())
	assert.Equal(t, "4.43", r.VAT.Round(2).StringFixed(2))
}

func TestTotals(t *testing.T) {
	tests := []struct {
		name        string
		bases       []string
		vats        []string
		settlement  string
		withholding string
		net, tax    string
		gross       string
	}{
		{"full identity", []string{"100"}, []string{"14"}, "5", "2", "100.00", "14.00", "107.00"},
		{"no adjustments", []string{"31.665"}, []string{"4.4331"}, "0", "0", "31.67", "4.43", "36.10"},
		{"fine grid sum", []string{"0.005", "0.005"}, []string{"0.0007", "0.0007"}, "0", "0", "0.01", "0.00", "0.01"},
		{"empty", nil, nil, "0", "0", "0.00", "0.00", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Totals(decimals(tt.bases), decimals(tt.vats),
				decimal.RequireFromString(tt.settlement), decimal.RequireFromString(tt.withholding))
			assert.Equal(t, tt.net, got.Net.StringFixed(2))
			assert.Equal(t, tt.tax, got.Tax.StringFixed(2))
			assert.Equal(t, tt.gross, got.Gross.StringFixed(2))
		})
	}
}

func decimals(values []string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.RequireFromString(v))
	}
	return out
}

func TestFixDocument(t *testing.T) {
	doc := parse(t, invoiceXML)
	log := audit.NewLog()
	fixAll(doc, log, calc.Options{})

	inv := firstInvoice(t, doc)
	line := doc.Lines(inv)[0]
	assert.Equal(t, "100.00", doc.Text(line, "DebitAmount"))
	assert.Equal(t, []string{"LineNumber", "Quantity", "UnitPrice", "DebitAmount", "Tax"}, tags(line))

	tax := doc.Child(line, "Tax")
	assert.Equal(t, "14", doc.Text(tax, "TaxPercentage"))
	assert.Equal(t, "AO", doc.Text(tax, "TaxCountryRegion"))
	assert.Equal(t, []string{"TaxType", "TaxCountryRegion", "TaxCode", "TaxPercentage"}, tags(tax))

	totals := doc.Child(inv, "DocumentTotals")
	assert.Equal(t, "14.00", doc.Text(totals, "TaxPayable"))
	assert.Equal(t, "100.00", doc.Text(totals, "NetTotal"))
	assert.Equal(t, "107.00", doc.Text(totals, "GrossTotal"))
	assert.Equal(t, []string{"TaxPayable", "NetTotal", "GrossTotal", "Settlement", "WithholdingTax"}, tags(totals))
	assert.Equal(t, "5.00", doc.Text(doc.Child(totals, "Settlement"), "SettlementAmount"))

	entries := doc.Children(doc.Child(doc.MasterFiles(), "TaxTable"), "TaxTableEntry")
	require.Len(t, entries, 1)
	assert.Equal(t, "Auto-added for consistency", doc.Text(entries[0], "Description"))
	assert.Equal(t, "14", doc.Text(entries[0], "TaxPercentage"))

	assert.Equal(t, 1, log.Count(audit.ActionFixLineAmount))
	assert.Equal(t, 1, log.Count(audit.ActionFixTaxPercent))
	assert.Equal(t, 3, log.Count(audit.ActionFixTotal))
	assert.Equal(t, 1, log.Count(audit.ActionAddTaxTableEntry))

	var gross audit.Entry
	for _, e := range log.Entries() {
		if e.Action == audit.ActionFixTotal && e.Field == "GrossTotal" {
			gross = e
		}
	}
	assert.Equal(t, "FT A/1", gross.Invoice)
	assert.Equal(t, "0", gross.OldValue)
	assert.Equal(t, "107.00", gross.NewValue)
	assert.Contains(t, gross.Note, "Net - Settlement + Tax - Withholding")
}

func TestFixDocument_Idempotent(t *testing.T) {
	doc := parse(t, invoiceXML)
	fixAll(doc, audit.NewLog(), calc.Options{})
	first, err := doc.Bytes()
	require.NoError(t, err)

	again := audit.NewLog()
	fixAll(doc, again, calc.Options{})
	second, err := doc.Bytes()
	require.NoError(t, err)

	assert.Zero(t, again.Len())
	assert.Equal(t, string(first), string(second))
}

func TestFixDocument_NetFirst(t *testing.T) {
	doc := parse(t, invoiceXML)
	fixAll(doc, nil, calc.Options{TotalsOrder: ordering.NetFirst})

	totals := doc.Child(firstInvoice(t, doc), "DocumentTotals")
	assert.Equal(t, []string{"NetTotal", "TaxPayable", "GrossTotal"}, tags(totals)[:3])
}

func TestFixLine_AmountShapes(t *testing.T) {
	tests := []struct {
		name     string
		amounts  string
		wantTags []string
		actions  map[string]int
	}{
		{
			name:     "both present keeps debit",
			amounts:  `<DebitAmount>30.00</DebitAmount><CreditAmount>30.00</CreditAmount>`,
			wantTags: []string{"LineNumber", "Quantity", "UnitPrice", "DebitAmount", "Tax"},
			actions:  map[string]int{audit.ActionRemoveNode: 1, audit.ActionFixLineAmount: 0},
		},
		{
			name:     "neither present adds debit",
			amounts:  ``,
			wantTags: []string{"LineNumber", "Quantity", "UnitPrice", "DebitAmount", "Tax"},
			actions:  map[string]int{audit.ActionAddNode: 1},
		},
		{
			name:     "credit kept",
			amounts:  `<CreditAmount>1</CreditAmount>`,
			wantTags: []string{"LineNumber", "Quantity", "UnitPrice", "CreditAmount", "Tax"},
			actions:  map[string]int{audit.ActionFixLineAmount: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parse(t, `<AuditFile><MasterFiles><TaxTable><TaxTableEntry><TaxType>IVA</TaxType><TaxCode>NOR</TaxCode><TaxPercentage>14</TaxPercentage></TaxTableEntry></TaxTable></MasterFiles>
<SourceDocuments><SalesInvoices><Invoice><InvoiceNo>FT 1</InvoiceNo><Line>
<LineNumber>1</LineNumber><Quantity>3</Quantity><UnitPrice>10</UnitPrice>`+tt.amounts+`
<Tax><TaxType>IVA</TaxType><TaxCountryRegion>AO</TaxCountryRegion><TaxCode>NOR</TaxCode><TaxPercentage>14</TaxPercentage></Tax>
</Line></Invoice></SalesInvoices></SourceDocuments></AuditFile>`)
			log := audit.NewLog()
			c := calc.New(doc, log, calc.Options{})
			line := doc.Lines(firstInvoice(t, doc))[0]

			r := c.FixLine(line, "FT 1", "1")
			assert.Equal(t, "30.00", r.Amount.StringFixed(2))
			assert.Equal(t, "4.2", r.VAT.String())
			assert.Equal(t, tt.wantTags, tags(line))
			for action, n := range tt.actions {
				assert.Equal(t, n, log.Count(action), action)
			}
			assert.Zero(t, log.Count(audit.ActionAddTaxTableEntry))
		})
	}
}

func TestFixLine_CreatesTaxBlock(t *testing.T) {
	doc := parse(t, `<AuditFile><SourceDocuments><SalesInvoices><Invoice><InvoiceNo>FT 2</InvoiceNo>
<Line><Quantity>2</Quantity><UnitPrice>abc</UnitPrice><DebitAmount>5</DebitAmount></Line>
</Invoice></SalesInvoices></SourceDocuments></AuditFile>`)
	log := audit.NewLog()
	c := calc.New(doc, log, calc.Options{})
	line := doc.Lines(firstInvoice(t, doc))[0]

	r := c.FixLine(line, "FT 2", "1")

	assert.True(t, r.Base.IsZero())
	assert.Equal(t, "0.00", doc.Text(line, "DebitAmount"))
	tax := doc.Child(line, "Tax")
	require.NotNil(t, tax)
	assert.Equal(t, []string{"TaxType", "TaxCountryRegion", "TaxCode", "TaxPercentage"}, tags(tax))
	assert.Equal(t, "14", doc.Text(tax, "TaxPercentage"))

	// MasterFiles and TaxTable are created on demand.
	require.NotNil(t, doc.MasterFiles())
	assert.Len(t, doc.Children(doc.Child(doc.MasterFiles(), "TaxTable"), "TaxTableEntry"), 1)
	assert.GreaterOrEqual(t, log.Count(audit.ActionAddNode), 3)
}

func TestFixLine_MissingPercentage(t *testing.T) {
	doc := parse(t, `<AuditFile><SourceDocuments><SalesInvoices><Invoice>
<Line><Quantity>1</Quantity><UnitPrice>10</UnitPrice><DebitAmount>10.00</DebitAmount>
<Tax><TaxType>IVA</TaxType><TaxCountryRegion>AO</TaxCountryRegion><TaxCode>NOR</TaxCode></Tax></Line>
</Invoice></SalesInvoices></SourceDocuments></AuditFile>`)
	log := audit.NewLog()
	line := doc.Lines(firstInvoice(t, doc))[0]

	r := calc.New(doc, log, calc.Options{}).FixLine(line, "", "1")

	assert.Equal(t, "1.4", r.VAT.String())
	assert.Equal(t, "14", doc.Text(doc.Child(line, "Tax"), "TaxPercentage"))
}

func TestEnsureCountryRegion(t *testing.T) {
	tests := []struct {
		name    string
		tax     string
		want    string
		changed bool
		action  string
	}{
		{"missing", `<Tax><TaxType>IVA</TaxType><TaxCode>NOR</TaxCode></Tax>`, "AO", true, audit.ActionAddNode},
		{"empty", `<Tax><TaxType>IVA</TaxType><TaxCode>ISE</TaxCode><TaxCountryRegion></TaxCountryRegion></Tax>`, "AO", true, audit.ActionFixTaxCountryRegion},
		{"foreign kept", `<Tax><TaxType>IVA</TaxType><TaxCode>NOR</TaxCode><TaxCountryRegion>PT</TaxCountryRegion></Tax>`, "PT", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parse(t, `<AuditFile><SourceDocuments><Payments><Payment><Line>`+tt.tax+`</Line></Payment></Payments></SourceDocuments></AuditFile>`)
			log := audit.NewLog()
			tax := doc.TaxBlocks()[0]

			changed := calc.New(doc, log, calc.Options{}).EnsureCountryRegion(tax, "RC 1", "1")

			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.want, doc.Text(tax, "TaxCountryRegion"))
			assert.Equal(t, "TaxCountryRegion", tags(tax)[1])
			if tt.action != "" {
				require.Equal(t, 1, log.Len())
				assert.Equal(t, tt.action, log.Entries()[0].Action)
				assert.Equal(t, "RC 1", log.Entries()[0].Invoice)
			} else {
				assert.Zero(t, log.Len())
			}
		})
	}
}

func TestEnsureTaxTableEntry_DecimalMatch(t *testing.T) {
	doc := parse(t, `<AuditFile><MasterFiles><TaxTable>
<TaxTableEntry><TaxPercentage>14.000</TaxPercentage><Description>IVA</Description></TaxTableEntry>
</TaxTable></MasterFiles></AuditFile>`)
	log := audit.NewLog()
	c := calc.New(doc, log, calc.Options{})

	// Missing type and code read as IVA and NOR.
	entry := c.EnsureTaxTableEntry("IVA", "NOR", decimal.RequireFromString("14"), "", "", "")
	assert.Equal(t, "14.000", doc.Text(entry, "TaxPercentage"))
	assert.Zero(t, log.Count(audit.ActionAddTaxTableEntry))

	added := c.EnsureTaxTableEntry("IVA", "RED", decimal.RequireFromString("5.5"), "FT 1", "2", "")
	assert.Equal(t, []string{"TaxType", "TaxCode", "Description", "TaxPercentage"}, tags(added))
	assert.Equal(t, "5.50", doc.Text(added, "TaxPercentage"))
	require.Equal(t, 1, log.Count(audit.ActionAddTaxTableEntry))
	assert.Equal(t, "IVA/RED/5.50", log.Changes()[0].NewValue)
}

func TestNormalizeTaxTable(t *testing.T) {
	doc := parse(t, `<AuditFile xmlns="urn:OECD:StandardAuditFile-Tax:AO_1.01_01"><Header/><MasterFiles><TaxTable>
<TaxTableEntry><TaxCountryRegion>AO</TaxCountryRegion><Description>IVA 14%</Description><TaxPercentage>14</TaxPercentage></TaxTableEntry>
<TaxTableEntry><TaxType></TaxType><TaxCountryRegion>AO</TaxCountryRegion><TaxCode>RED</TaxCode><Description>IVA 5%</Description><TaxPercentage>5.00</TaxPercentage></TaxTableEntry>
</TaxTable></MasterFiles></AuditFile>`)
	log := audit.NewLog()
	c := calc.New(doc, log, calc.Options{})

	require.True(t, c.NormalizeTaxTable())

	entries := doc.Children(doc.Child(doc.MasterFiles(), "TaxTable"), "TaxTableEntry")
	require.Len(t, entries, 2)
	want := []string{"TaxType", "TaxCountryRegion", "TaxCode", "Description", "TaxPercentage"}
	for _, e := range entries {
		assert.Equal(t, want, tags(e))
		assert.Equal(t, "IVA", doc.Text(e, "TaxType"))
	}
	assert.Equal(t, "NOR", doc.Text(entries[0], "TaxCode"))
	assert.Equal(t, "RED", doc.Text(entries[1], "TaxCode"))
	assert.Equal(t, "5", doc.Text(entries[1], "TaxPercentage"))

	assert.Equal(t, 2, log.Count(audit.ActionFixTaxTableType))
	assert.Equal(t, 1, log.Count(audit.ActionFixTaxTableCode))
	assert.Equal(t, 1, log.Count(audit.ActionFixTaxTablePct))
	assert.Equal(t, 1, log.Count(audit.ActionOrderEnsure))

	assert.False(t, c.NormalizeTaxTable())
}

func TestFixDocument_PrefixOnlyDocument(t *testing.T) {
	doc := parse(t, `<n:AuditFile xmlns:n="urn:OECD:StandardAuditFile-Tax:AO_1.01_01"><n:MasterFiles/>
<n:SourceDocuments><n:SalesInvoices><n:Invoice><n:InvoiceNo>FT 9</n:InvoiceNo>
<n:Line><n:Quantity>2</n:Quantity><n:UnitPrice>5</n:UnitPrice></n:Line>
</n:Invoice></n:SalesInvoices></n:SourceDocuments></n:AuditFile>`)
	fixAll(doc, nil, calc.Options{})

	inv := firstInvoice(t, doc)
	line := doc.Lines(inv)[0]
	assert.Equal(t, "10.00", doc.Text(line, "DebitAmount"))
	assert.Equal(t, "n", doc.Child(line, "DebitAmount").Space)
	assert.Equal(t, "11.40", doc.Text(doc.Child(inv, "DocumentTotals"), "GrossTotal"))

	again := audit.NewLog()
	fixAll(doc, again, calc.Options{})
	assert.Zero(t, again.Len())
}

func TestKeepDocument(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		totals   string
		wantTags []string
		amount   string
		gross    string
	}{
		{
			name:     "both present keeps the non-zero credit",
			line:     `<DebitAmount>0.00</DebitAmount><CreditAmount>10.00</CreditAmount>`,
			totals:   `<TaxPayable>1.40</TaxPayable><NetTotal>10.00</NetTotal><GrossTotal>0.00</GrossTotal>`,
			wantTags: []string{"LineNumber", "CreditAmount", "Tax"},
			amount:   "10.00",
			gross:    "11.40",
		},
		{
			name:     "neither present takes quantity times price",
			line:     `<Quantity>1</Quantity><UnitPrice>100</UnitPrice>`,
			totals:   `<TaxPayable>14.00</TaxPayable><NetTotal>100.00</NetTotal><GrossTotal>0.00</GrossTotal>`,
			wantTags: []string{"LineNumber", "Quantity", "UnitPrice", "DebitAmount", "Tax"},
			amount:   "100.00",
			gross:    "114.00",
		},
		{
			name:     "neither present without quantity writes zero",
			line:     ``,
			totals:   `<NetTotal>20</NetTotal><GrossTotal>20</GrossTotal><Settlement><SettlementAmount>2</SettlementAmount></Settlement>`,
			wantTags: []string{"LineNumber", "DebitAmount", "Tax"},
			amount:   "0.00",
			gross:    "18.00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parse(t, `<AuditFile><SourceDocuments><Payments><Payment><PaymentRefNo>RC 1</PaymentRefNo><Line>
<LineNumber>1</LineNumber>`+tt.line+`<Tax><TaxType>IVA</TaxType><TaxCode>NOR</TaxCode></Tax>
</Line><DocumentTotals>`+tt.totals+`</DocumentTotals></Payment></Payments></SourceDocuments></AuditFile>`)
			log := audit.NewLog()
			c := calc.New(doc, log, calc.Options{TotalsOrder: ordering.TaxFirst})
			payment := doc.Documents(saft.KindPayment)[0]

			got, ok := c.KeepDocument(saft.KindPayment, payment)
			require.True(t, ok)
			assert.Equal(t, tt.gross, got.Gross.StringFixed(2))

			line := doc.Lines(payment)[0]
			assert.Equal(t, tt.wantTags, tags(line))
			amount := doc.Text(line, "DebitAmount") + doc.Text(line, "CreditAmount")
			assert.Equal(t, tt.amount, amount)
			assert.Equal(t, "AO", doc.Text(doc.Child(line, "Tax"), "TaxCountryRegion"))

			totals := doc.Child(payment, "DocumentTotals")
			assert.Equal(t, tt.gross, doc.Text(totals, "GrossTotal"))
			assert.NotEmpty(t, doc.Text(totals, "TaxPayable"))
			assert.Positive(t, log.Count(audit.ActionFixTotal))

			before := len(log.Changes())
			_, _ = c.KeepDocument(saft.KindPayment, payment)
			assert.Len(t, log.Changes(), before)
		})
	}
}

func TestKeepDocument_WithoutTotals(t *testing.T) {
	doc := parse(t, `<AuditFile><SourceDocuments><Payments><Payment><PaymentRefNo>RC 9</PaymentRefNo>
<Line><LineNumber>1</LineNumber><CreditAmount>5.00</CreditAmount></Line></Payment></Payments></SourceDocuments></AuditFile>`)
	c := calc.New(doc, nil, calc.Options{})
	_, ok := c.KeepDocument(saft.KindPayment, doc.Documents(saft.KindPayment)[0])
	assert.False(t, ok)
}
