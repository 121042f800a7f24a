package saftao_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/pkg/saftao"
)

const saftXML = `<?xml version="1.0" encoding="UTF-8"?>
<AuditFile xmlns="urn:OECD:StandardAuditFile-Tax:AO_1.01_01">
  <Header>
    <TaxRegistrationNumber>500123456</TaxRegistrationNumber>
    <CompanyName>Empresa Teste</CompanyName>
  </Header>
  <MasterFiles>
    <Customer><CustomerID>C1</CustomerID><CompanyName>Cliente Um</CompanyName></Customer>
  </MasterFiles>
  <SourceDocuments>
    <SalesInvoices>
      <Invoice>
        <InvoiceNo>FT 1/1</InvoiceNo>
        <InvoiceType>VD</InvoiceType>
        <CustomerID>C1</CustomerID>
        <Line>
          <LineNumber>1</LineNumber>
          <Quantity>4</Quantity>
          <UnitPrice>25</UnitPrice>
          <CreditAmount>100</CreditAmount>
          <Tax><TaxType>IVA</TaxType><TaxCode>NOR</TaxCode><TaxPercentage>14</TaxPercentage></Tax>
        </Line>
      </Invoice>
    </SalesInvoices>
  </SourceDocuments>
</AuditFile>`

func newProcessor(t *testing.T, mutate func(*saftao.Options)) *saftao.Processor {
	t.Helper()
	t.Setenv(rules.EnvPath, "")
	opts := saftao.DefaultOptions()
	opts.SkipSchema = true
	if mutate != nil {
		mutate(&opts)
	}
	proc, err := saftao.NewProcessor(opts)
	require.NoError(t, err)
	return proc
}

func TestDefaultOptions(t *testing.T) {
	opts := saftao.DefaultOptions()
	assert.Equal(t, saftao.ProfileSoft, opts.Profile)
	assert.Empty(t, opts.TotalsOrder)
	assert.False(t, opts.SkipSchema)
}

func TestNewProcessor_Errors(t *testing.T) {
	_, err := saftao.NewProcessor(saftao.Options{Profile: "medium"})
	assert.Error(t, err)

	_, err = saftao.NewProcessor(saftao.Options{RulesPath: filepath.Join(t.TempDir(), "absent.json")})
	var rerr *saftao.RuleIndexError
	assert.ErrorAs(t, err, &rerr)
}

func TestProcessorValidate(t *testing.T) {
	proc := newProcessor(t, nil)

	result, err := proc.Validate(context.Background(), strings.NewReader(saftXML))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Equal(t, saftao.CodeTaxCountryMissing, result.Issues[0].Code)
}

func TestProcessorRepair(t *testing.T) {
	proc := newProcessor(t, nil)

	result, err := proc.Repair(context.Background(), strings.NewReader(saftXML))
	require.NoError(t, err)
	assert.Equal(t, saftao.ProfileSoft, result.Profile)
	assert.True(t, result.Valid)
	assert.False(t, result.SchemaChecked)
	assert.Contains(t, string(result.Document), "<InvoiceType>FR</InvoiceType>")
	assert.Contains(t, string(result.Document), "<GrossTotal>114.00</GrossTotal>")

	clean, err := proc.Validate(context.Background(), bytes.NewReader(result.Document))
	require.NoError(t, err)
	assert.True(t, clean.Valid, "%v", clean.Issues)
}

func TestProcessorRepair_Hard(t *testing.T) {
	proc := newProcessor(t, func(o *saftao.Options) {
		o.Profile = saftao.ProfileHard
	})

	result, err := proc.Repair(context.Background(), strings.NewReader(saftXML))
	require.NoError(t, err)
	assert.Equal(t, saftao.ProfileHard, result.Profile)
	assert.Contains(t, string(result.Document), "<InvoiceType>VD</InvoiceType>")
}

func TestProcessor_InvalidFormat(t *testing.T) {
	proc := newProcessor(t, nil)

	_, err := proc.Repair(context.Background(), bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")

	_, err = proc.Validate(context.Background(), strings.NewReader("<AuditFile><Header>"))
	var perr *saftao.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestProcessorRepairBatch(t *testing.T) {
	proc := newProcessor(t, nil)

	inputs := []io.Reader{
		strings.NewReader(saftXML),
		strings.NewReader("garbage"),
		strings.NewReader(saftXML),
	}
	results, err := proc.RepairBatch(context.Background(), inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input 1")
	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.NotNil(t, results[2])
	assert.NotEqual(t, results[0].RunID, results[2].RunID)
}

func TestProcessorReportAndInfo(t *testing.T) {
	proc := newProcessor(t, nil)

	r, err := proc.Report(context.Background(), strings.NewReader(saftXML))
	require.NoError(t, err)
	vd, ok := r.Type("VD")
	require.True(t, ok)
	assert.Equal(t, 1, vd.Count)

	info, err := proc.Info(context.Background(), strings.NewReader(saftXML))
	require.NoError(t, err)
	assert.Equal(t, "Empresa Teste", info.CompanyName)
	assert.Equal(t, 1, info.Documents["Invoice"])
}
