package ordering_test

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/saftao/internal/ordering"
)

func parseElement(t *testing.T, xml string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xml))
	require.NotNil(t, doc.Root())
	return doc.Root()
}

func tags(el *etree.Element) []string {
	var out []string
	for _, c := range el.ChildElements() {
		out = append(out, c.Tag)
	}
	return out
}

func TestReorder(t *testing.T) {
	tests := []struct {
		name    string
		xml     string
		names   []string
		want    []string
		changed bool
	}{
		{
			name:    "line amounts before tax",
			xml:     `<Line><Tax/><DebitAmount/><Quantity/><LineNumber/></Line>`,
			names:   ordering.FullLineOrder,
			want:    []string{"LineNumber", "Quantity", "DebitAmount", "Tax"},
			changed: true,
		},
		{
			name:    "unknown elements keep relative order at the end",
			xml:     `<Line><Foo/><Tax/><Bar/><UnitPrice/></Line>`,
			names:   ordering.FullLineOrder,
			want:    []string{"UnitPrice", "Tax", "Foo", "Bar"},
			changed: true,
		},
		{
			name:    "already ordered",
			xml:     `<Line><LineNumber/><Quantity/><Tax/></Line>`,
			names:   ordering.FullLineOrder,
			want:    []string{"LineNumber", "Quantity", "Tax"},
			changed: false,
		},
		{
			name:    "hard order ignores TaxBase",
			xml:     `<Line><Tax/><TaxBase/><Quantity/></Line>`,
			names:   ordering.MinimalLineOrder,
			want:    []string{"Quantity", "Tax", "TaxBase"},
			changed: true,
		},
		{
			name:    "totals tax first",
			xml:     `<DocumentTotals><GrossTotal/><NetTotal/><TaxPayable/><Currency/></DocumentTotals>`,
			names:   ordering.TaxFirst.Names(),
			want:    []string{"TaxPayable", "NetTotal", "GrossTotal", "Currency"},
			changed: true,
		},
		{
			name:    "totals net first",
			xml:     `<DocumentTotals><GrossTotal/><TaxPayable/><NetTotal/></DocumentTotals>`,
			names:   ordering.NetFirst.Names(),
			want:    []string{"NetTotal", "TaxPayable", "GrossTotal"},
			changed: true,
		},
		{
			name:    "tax table entry",
			xml:     `<TaxTableEntry><TaxPercentage/><Description/><TaxCode/><TaxType/></TaxTableEntry>`,
			names:   ordering.TaxTableEntryOrder,
			want:    []string{"TaxType", "TaxCode", "Description", "TaxPercentage"},
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el := parseElement(t, tt.xml)
			assert.Equal(t, tt.changed, ordering.Reorder(el, tt.names))
			assert.Equal(t, tt.want, tags(el))
		})
	}
}

func TestReorder_StableWithinName(t *testing.T) {
	el := parseElement(t, `<Line><Tax>b</Tax><References>1</References><Tax>c</Tax><References>2</References></Line>`)
	ordering.Reorder(el, ordering.FullLineOrder)

	var texts []string
	for _, c := range el.ChildElements() {
		texts = append(texts, c.Tag+"="+c.Text())
	}
	assert.Equal(t, []string{"References=1", "References=2", "Tax=b", "Tax=c"}, texts)
}

func TestReorder_CommentsMoveToEnd(t *testing.T) {
	el := parseElement(t, "<Line>\n  <!-- note -->\n  <Tax/>\n  <Quantity/>\n</Line>")
	require.True(t, ordering.Reorder(el, ordering.FullLineOrder))

	require.Len(t, el.Child, 3)
	_, isComment := el.Child[2].(*etree.Comment)
	assert.True(t, isComment)
	assert.Equal(t, []string{"Quantity", "Tax"}, tags(el))

	// Idempotent
	assert.False(t, ordering.Reorder(el, ordering.FullLineOrder))
}

func TestParseTotalsOrder(t *testing.T) {
	tests := []struct {
		in      string
		want    ordering.TotalsOrder
		wantErr bool
	}{
		{"tax-first", ordering.TaxFirst, false},
		{"NET-FIRST", ordering.NetFirst, false},
		{" net ", ordering.NetFirst, false},
		{"sideways", ordering.TaxFirst, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ordering.ParseTotalsOrder(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var o ordering.TotalsOrder
	require.NoError(t, o.UnmarshalText([]byte("net-first")))
	assert.Equal(t, ordering.NetFirst, o)
	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "net-first", string(text))
}

func TestPlaceAfter(t *testing.T) {
	t.Run("after TaxCode", func(t *testing.T) {
		tax := parseElement(t, `<Tax><TaxType/><TaxCode/><TaxPercentage/><TaxCountryRegion/></Tax>`)
		region := tax.ChildElements()[3]

		assert.True(t, ordering.PlaceAfter(tax, region, "TaxCode"))
		assert.Equal(t, []string{"TaxType", "TaxCode", "TaxCountryRegion", "TaxPercentage"}, tags(tax))
		assert.False(t, ordering.PlaceAfter(tax, region, "TaxCode"))
	})

	t.Run("new element without anchor is appended", func(t *testing.T) {
		tax := parseElement(t, `<Tax><TaxType/><TaxPercentage/></Tax>`)
		region := etree.NewElement("TaxCountryRegion")

		assert.True(t, ordering.PlaceAfter(tax, region, "TaxCode"))
		assert.Equal(t, []string{"TaxType", "TaxPercentage", "TaxCountryRegion"}, tags(tax))
		assert.False(t, ordering.PlaceAfter(tax, region, "TaxCode"))
	})

	t.Run("new element with anchor", func(t *testing.T) {
		tax := parseElement(t, `<Tax><TaxType/><TaxCode/><TaxPercentage/></Tax>`)
		region := etree.NewElement("TaxCountryRegion")

		assert.True(t, ordering.PlaceAfter(tax, region, "TaxCode"))
		assert.Equal(t, []string{"TaxType", "TaxCode", "TaxCountryRegion", "TaxPercentage"}, tags(tax))
	})
}
