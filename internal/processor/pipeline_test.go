package processor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/history"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/repair"
	"github.com/rezonia/saftao/internal/saft"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<AuditFile xmlns="urn:OECD:StandardAuditFile-Tax:AO_1.01_01">
  <Header>
    <AuditFileVersion>1.01_01</AuditFileVersion>
    <CompanyID>500123456</CompanyID>
    <TaxRegistrationNumber>500123456</TaxRegistrationNumber>
    <CompanyName>Empresa Teste</CompanyName>
    <FiscalYear>2024</FiscalYear>
  </Header>
  <MasterFiles>
    <Customer>
      <CustomerID>C1</CustomerID>
      <CompanyName>Cliente Um</CompanyName>
    </Customer>
  </MasterFiles>
  <SourceDocuments>
    <SalesInvoices>
      <Invoice>
        <InvoiceNo>FT 1/1</InvoiceNo>
        <InvoiceType>FT</InvoiceType>
        <CustomerID>C1</CustomerID>
        <Line>
          <LineNumber>1</LineNumber>
          <Quantity>2</Quantity>
          <UnitPrice>50</UnitPrice>
          <CreditAmount>100.00</CreditAmount>
          <Tax>
            <TaxType>IVA</TaxType>
            <TaxCode>NOR</TaxCode>
            <TaxPercentage>14</TaxPercentage>
          </Tax>
        </Line>
        <DocumentTotals>
          <TaxPayable>0</TaxPayable>
          <NetTotal>0</NetTotal>
          <GrossTotal>0</GrossTotal>
        </DocumentTotals>
      </Invoice>
    </SalesInvoices>
  </SourceDocuments>
</AuditFile>`

type fakeSchema struct {
	errs []string
}

func (f fakeSchema) Validate([]byte) (bool, []string) {
	return len(f.errs) == 0, f.errs
}

func fixedClock() time.Time {
	return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	p := processor.NewPipeline(processor.WithoutSchema())

	result := p.Validate(ctx, strings.NewReader(sampleXML))
	require.NoError(t, result.Error)
	assert.False(t, result.Valid())
	assert.False(t, result.SchemaChecked)
	assert.Contains(t, model.Codes(result.Issues), model.CodeTaxCountryMissing)
}

func TestValidate_SchemaErrors(t *testing.T) {
	p := processor.NewPipeline(processor.WithSchema(fakeSchema{errs: []string{"line 3: unexpected element"}}))

	result := p.ValidateBytes(context.Background(), []byte(sampleXML))
	require.NoError(t, result.Error)
	assert.True(t, result.SchemaChecked)
	assert.Equal(t, []string{"line 3: unexpected element"}, result.SchemaErrors)
}

func TestValidate_InvalidXML(t *testing.T) {
	p := processor.NewPipeline(processor.WithoutSchema())

	result := p.ValidateBytes(context.Background(), []byte("<AuditFile><Header>"))
	require.Error(t, result.Error)
	var perr *model.ParseError
	assert.ErrorAs(t, result.Error, &perr)
}

func TestValidate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := processor.NewPipeline().ValidateBytes(ctx, []byte(sampleXML))
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	p := processor.NewPipeline(processor.WithSchema(fakeSchema{}), processor.WithClock(fixedClock))

	result := p.Repair(ctx, []byte(sampleXML), processor.RepairRequest{Profile: repair.Soft})
	require.NoError(t, result.Error)
	assert.True(t, result.Valid())
	assert.Equal(t, repair.OutcomeValid, result.Outcome())
	assert.NotEmpty(t, result.RunID)
	assert.Positive(t, result.Changes)
	assert.Len(t, result.Digest, 64)

	require.NotEmpty(t, result.Entries)
	assert.Equal(t, audit.ActionInfoStart, result.Entries[0].Action)
	assert.Equal(t, audit.ActionInfoEnd, result.Entries[len(result.Entries)-1].Action)

	doc, err := saft.Parse(result.Document)
	require.NoError(t, err)
	inv := doc.Documents(saft.KindInvoice)[0]
	totals := doc.Child(inv, "DocumentTotals")
	assert.Equal(t, "14.00", doc.Text(totals, "TaxPayable"))
	assert.Equal(t, "100.00", doc.Text(totals, "NetTotal"))
	assert.Equal(t, "114.00", doc.Text(totals, "GrossTotal"))

	again := p.Repair(ctx, result.Document, processor.RepairRequest{Profile: repair.Soft})
	require.NoError(t, again.Error)
	assert.Zero(t, again.Changes)
}

func TestRepair_TotalsOrder(t *testing.T) {
	p := processor.NewPipeline(processor.WithoutSchema())

	result := p.Repair(context.Background(), []byte(sampleXML), processor.RepairRequest{
		Profile:     repair.Soft,
		TotalsOrder: "net-first",
	})
	require.NoError(t, result.Error)
	assert.Equal(t, repair.OutcomeUnchecked, result.Outcome())

	doc, err := saft.Parse(result.Document)
	require.NoError(t, err)
	totals := doc.Child(doc.Documents(saft.KindInvoice)[0], "DocumentTotals")
	assert.Equal(t, "NetTotal", totals.ChildElements()[0].Tag)

	bad := p.Repair(context.Background(), []byte(sampleXML), processor.RepairRequest{TotalsOrder: "sideways"})
	assert.Error(t, bad.Error)
}

func TestRepair_SchemaFailure(t *testing.T) {
	errs := make([]string, 30)
	for i := range errs {
		errs[i] = "erro"
	}
	p := processor.NewPipeline(processor.WithSchema(fakeSchema{errs: errs}))

	result := p.Repair(context.Background(), []byte(sampleXML), processor.RepairRequest{Profile: repair.Hard})
	require.NoError(t, result.Error)
	assert.False(t, result.Valid())
	assert.Equal(t, repair.OutcomeInvalid, result.Outcome())
	require.Len(t, result.SchemaErrors, 21)
	assert.Equal(t, "(+10 erros adicionais)", result.SchemaErrors[20])
}

func TestRepair_ParseError(t *testing.T) {
	p := processor.NewPipeline(processor.WithoutSchema())

	result := p.Repair(context.Background(), []byte("not xml"), processor.RepairRequest{})
	require.Error(t, result.Error)
	assert.Equal(t, repair.OutcomeFailed, result.Outcome())
	assert.Equal(t, repair.Soft, result.Profile)

	var codes []string
	for _, e := range result.Entries {
		codes = append(codes, e.Action)
	}
	assert.Contains(t, codes, audit.ActionXMLParseError)
}

func TestRepair_History(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	p := processor.NewPipeline(processor.WithoutSchema(), processor.WithHistory(store))
	result := p.Repair(context.Background(), []byte(sampleXML), processor.RepairRequest{
		Profile: repair.Hard,
		Source:  "SAFT.xml",
	})
	require.NoError(t, result.Error)

	run, err := store.Get(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "hard", run.Profile)
	assert.Equal(t, "SAFT.xml", run.Source)
	assert.Equal(t, "unchecked", run.Outcome)
	assert.Equal(t, result.Digest, run.Digest)
	assert.Equal(t, result.Changes, run.Changes)
}

func TestRepairFile(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "SAFT.xml")
	require.NoError(t, os.WriteFile(source, []byte(sampleXML), 0o644))

	store, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()

	p := processor.NewPipeline(
		processor.WithSchema(fakeSchema{}),
		processor.WithClock(fixedClock),
		processor.WithHistory(store),
	)

	run, err := p.RepairFile(context.Background(), source, processor.FileRequest{
		RepairRequest: processor.RepairRequest{Profile: repair.Soft},
	})
	require.NoError(t, err)
	assert.True(t, run.Valid())
	assert.Equal(t, filepath.Join(dir, "SAFT_v.02.xml"), run.Output)
	assert.FileExists(t, run.Output)
	assert.FileExists(t, run.AuditPath)

	stored, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Output, stored.Output)
	assert.Equal(t, "valid", stored.Outcome)
}

func TestReport(t *testing.T) {
	p := processor.NewPipeline()

	r, err := p.Report(context.Background(), []byte(sampleXML))
	require.NoError(t, err)
	ft, ok := r.Type("FT")
	require.True(t, ok)
	assert.Equal(t, 1, ft.Count)

	_, err = p.Report(context.Background(), []byte("<broken"))
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	info, err := processor.NewPipeline().Info(context.Background(), []byte(sampleXML))
	require.NoError(t, err)

	assert.True(t, info.Qualified)
	assert.Equal(t, saft.DefaultNamespace, info.Namespace)
	assert.Equal(t, "Empresa Teste", info.CompanyName)
	assert.Equal(t, "2024", info.FiscalYear)
	assert.Equal(t, 1, info.Customers)
	assert.Equal(t, 1, info.Documents["Invoice"])
	assert.Equal(t, 0, info.Documents["Payment"])
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected processor.Format
	}{
		{
			name:     "SAF-T with declaration",
			data:     []byte(`<?xml version="1.0"?><AuditFile xmlns="urn:x"/>`),
			expected: processor.FormatSAFT,
		},
		{
			name:     "prefixed SAF-T",
			data:     []byte(`<ns:AuditFile xmlns:ns="urn:x"/>`),
			expected: processor.FormatSAFT,
		},
		{
			name:     "SAF-T with BOM",
			data:     []byte("\xef\xbb\xbf\n<AuditFile/>"),
			expected: processor.FormatSAFT,
		},
		{
			name:     "other XML",
			data:     []byte(`<Invoice><Number>1</Number></Invoice>`),
			expected: processor.FormatXML,
		},
		{
			name:     "PDF",
			data:     []byte("%PDF-1.4\n%some content"),
			expected: processor.FormatUnknown,
		},
		{
			name:     "Empty data",
			data:     []byte{},
			expected: processor.FormatUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, processor.DetectFormat(tt.data))
		})
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		format   processor.Format
		expected string
	}{
		{processor.FormatSAFT, "saft"},
		{processor.FormatXML, "xml"},
		{processor.FormatUnknown, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.format.String())
		})
	}
}

// Benchmark tests

func BenchmarkDetectFormat(b *testing.B) {
	data := []byte(sampleXML)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		processor.DetectFormat(data)
	}
}

func BenchmarkRepair(b *testing.B) {
	ctx := context.Background()
	p := processor.NewPipeline(processor.WithoutSchema())
	data := []byte(sampleXML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Repair(ctx, data, processor.RepairRequest{Profile: repair.Soft})
	}
}
