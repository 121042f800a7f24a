// Package ordering places the children the engine touches into the minimal
// relative order the SAF-T (AO) schema requires. It never imposes a total
// order: elements outside a sequence keep their relative order after it.
package ordering

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// FullLineOrder is the Line sequence enforced by the soft profile
var FullLineOrder = []string{
	"LineNumber",
	"OrderReferences",
	"ProductCode",
	"ProductDescription",
	"Quantity",
	"UnitOfMeasure",
	"UnitPrice",
	"TaxBase",
	"TaxPointDate",
	"References",
	"Description",
	"ProductSerialNumber",
	"DebitAmount",
	"CreditAmount",
	"Tax",
	"TaxExemptionReason",
	"TaxExemptionCode",
	"SettlementAmount",
	"CustomsInformation",
}

// MinimalLineOrder is the Line sequence enforced by the hard profile
var MinimalLineOrder = []string{
	"LineNumber",
	"ProductCode",
	"ProductDescription",
	"Quantity",
	"UnitOfMeasure",
	"UnitPrice",
	"TaxPointDate",
	"References",
	"Description",
	"DebitAmount",
	"CreditAmount",
	"Tax",
	"TaxExemptionReason",
	"SettlementAmount",
	"CustomsInformation",
}

// TaxTableEntryOrder is the TaxTableEntry sequence
var TaxTableEntryOrder = []string{"TaxType", "TaxCountryRegion", "TaxCode", "Description", "TaxPercentage"}

// TotalsOrder selects the DocumentTotals sequence. Published schema revisions
// disagree on whether TaxPayable precedes NetTotal.
type TotalsOrder int

const (
	// TaxFirst is TaxPayable, NetTotal, GrossTotal
	TaxFirst TotalsOrder = iota
	// NetFirst is NetTotal, TaxPayable, GrossTotal
	NetFirst
)

// ParseTotalsOrder reads "tax-first" or "net-first"
func ParseTotalsOrder(s string) (TotalsOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tax-first", "taxfirst", "tax":
		return TaxFirst, nil
	case "net-first", "netfirst", "net":
		return NetFirst, nil
	default:
		return TaxFirst, fmt.Errorf("unknown totals order %q (expected tax-first or net-first)", s)
	}
}

func (o TotalsOrder) String() string {
	if o == NetFirst {
		return "net-first"
	}
	return "tax-first"
}

// Names returns the DocumentTotals sequence
func (o TotalsOrder) Names() []string {
	if o == NetFirst {
		return []string{"NetTotal", "TaxPayable", "GrossTotal"}
	}
	return []string{"TaxPayable", "NetTotal", "GrossTotal"}
}

// MarshalText implements encoding.TextMarshaler
func (o TotalsOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (o *TotalsOrder) UnmarshalText(text []byte) error {
	v, err := ParseTotalsOrder(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Reorder rearranges the children of parent: children named in names first,
// grouped in that order, then every other child in its original relative
// order. Whitespace between elements is dropped and other non-element
// tokens move to the end. It reports whether the element order changed.
func Reorder(parent *etree.Element, names []string) bool {
	if parent == nil {
		return false
	}
	children := parent.ChildElements()
	if len(children) < 2 {
		return false
	}

	pos := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := pos[n]; !dup {
			pos[n] = i
		}
	}

	buckets := make([][]*etree.Element, len(names))
	var rest []*etree.Element
	for _, c := range children {
		if i, ok := pos[c.Tag]; ok {
			buckets[i] = append(buckets[i], c)
		} else {
			rest = append(rest, c)
		}
	}

	ordered := make([]*etree.Element, 0, len(children))
	for _, b := range buckets {
		ordered = append(ordered, b...)
	}
	ordered = append(ordered, rest...)

	if sameOrder(children, ordered) {
		return false
	}

	var extras []etree.Token
	for _, tok := range parent.Child {
		switch t := tok.(type) {
		case *etree.Element:
			continue
		case *etree.CharData:
			if t.IsWhitespace() {
				continue
			}
		}
		extras = append(extras, tok)
	}

	for i := len(parent.Child) - 1; i >= 0; i-- {
		parent.RemoveChildAt(i)
	}
	for _, el := range ordered {
		parent.AddChild(el)
	}
	for _, tok := range extras {
		parent.AddChild(tok)
	}
	return true
}

func sameOrder(a, b []*etree.Element) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PlaceAfter moves child so it directly follows the first sibling named
// anchor, or to the end when there is no such sibling. child is added to
// parent when it has no parent yet. It reports whether anything moved.
func PlaceAfter(parent, child *etree.Element, anchor string) bool {
	var ref *etree.Element
	for _, c := range parent.ChildElements() {
		if c.Tag == anchor && c != child {
			ref = c
			break
		}
	}

	if child.Parent() == parent {
		if ref != nil && nextElement(parent, ref) == child {
			return false
		}
		if ref == nil && lastElement(parent) == child {
			return false
		}
		parent.RemoveChild(child)
	}

	if ref == nil {
		parent.AddChild(child)
	} else {
		parent.InsertChildAt(ref.Index()+1, child)
	}
	return true
}

func nextElement(parent, el *etree.Element) *etree.Element {
	for i := el.Index() + 1; i < len(parent.Child); i++ {
		if e, ok := parent.Child[i].(*etree.Element); ok {
			return e
		}
	}
	return nil
}

func lastElement(parent *etree.Element) *etree.Element {
	children := parent.ChildElements()
	if len(children) == 0 {
		return nil
	}
	return children[len(children)-1]
}
