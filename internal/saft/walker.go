package saft

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Kind identifies a source document type
type Kind int

const (
	KindInvoice Kind = iota
	KindPayment
	KindWorkDocument
)

// Kinds lists every source document type in section order
var Kinds = []Kind{KindInvoice, KindPayment, KindWorkDocument}

// String returns the element name of the document type
func (k Kind) String() string {
	switch k {
	case KindInvoice:
		return "Invoice"
	case KindPayment:
		return "Payment"
	case KindWorkDocument:
		return "WorkDocument"
	default:
		return ""
	}
}

// Section returns the SourceDocuments section holding the type
func (k Kind) Section() string {
	switch k {
	case KindInvoice:
		return "SalesInvoices"
	case KindPayment:
		return "Payments"
	case KindWorkDocument:
		return "WorkingDocuments"
	default:
		return ""
	}
}

// IDField returns the child element carrying the document identifier
func (k Kind) IDField() string {
	switch k {
	case KindInvoice:
		return "InvoiceNo"
	case KindPayment:
		return "PaymentRefNo"
	case KindWorkDocument:
		return "DocumentNumber"
	default:
		return ""
	}
}

// KindOf maps an element local name to its document type
func KindOf(local string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == local {
			return k, true
		}
	}
	return 0, false
}

// Header returns the Header section
func (d *Document) Header() *etree.Element {
	return d.Child(d.root, "Header")
}

// MasterFiles returns the MasterFiles section
func (d *Document) MasterFiles() *etree.Element {
	return d.Child(d.root, "MasterFiles")
}

// SourceDocuments returns the SourceDocuments section
func (d *Document) SourceDocuments() *etree.Element {
	return d.Child(d.root, "SourceDocuments")
}

// EnsureMasterFiles returns MasterFiles, creating it after Header when absent.
// The second result reports whether it was created.
func (d *Document) EnsureMasterFiles() (*etree.Element, bool) {
	if mf := d.MasterFiles(); mf != nil {
		return mf, false
	}
	mf := d.NewElement("MasterFiles", "")
	if header := d.Header(); header != nil {
		InsertAfter(d.root, header, mf)
	} else {
		d.root.InsertChildAt(0, mf)
	}
	return mf, true
}

// Documents returns every source document of the given type
func (d *Document) Documents(kind Kind) []*etree.Element {
	section := d.Child(d.SourceDocuments(), kind.Section())
	return d.Children(section, kind.String())
}

// DocumentID returns the identifier of a source document
func (d *Document) DocumentID(kind Kind, el *etree.Element) string {
	return d.Text(el, kind.IDField())
}

// Lines returns the Line children of a source document
func (d *Document) Lines(el *etree.Element) []*etree.Element {
	return d.Children(el, "Line")
}

// LineID returns the LineNumber text of a line, or its 1-based position when absent
func (d *Document) LineID(line *etree.Element, pos int) string {
	if n := d.Text(line, "LineNumber"); n != "" {
		return n
	}
	return strconv.Itoa(pos)
}

// TaxBlocks returns every Tax element under SourceDocuments, whatever its owner
func (d *Document) TaxBlocks() []*etree.Element {
	var out []*etree.Element
	src := d.SourceDocuments()
	walk(src, func(e *etree.Element) {
		if e != src && e.Tag == "Tax" {
			out = append(out, e)
		}
	})
	return out
}

// TaxContext locates a Tax block within its source document
type TaxContext struct {
	DocumentType string
	DocumentID   string
	LineNumber   string
}

// ResolveTaxContext walks up from a Tax block to its line and owning document
func (d *Document) ResolveTaxContext(tax *etree.Element) TaxContext {
	var ctx TaxContext
	line := tax.Parent()
	if line == nil {
		return ctx
	}
	ctx.LineNumber = d.textAnyNamespace(line, "LineNumber")

	for p := line.Parent(); p != nil; p = p.Parent() {
		if kind, ok := KindOf(p.Tag); ok {
			ctx.DocumentType = kind.String()
			ctx.DocumentID = d.textAnyNamespace(p, kind.IDField())
			return ctx
		}
	}
	return ctx
}

func (d *Document) textAnyNamespace(parent *etree.Element, local string) string {
	c := d.Child(parent, local)
	if c == nil {
		c = ChildByLocalName(parent, local)
	}
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}

// Customers returns the Customer records under MasterFiles
func (d *Document) Customers() []*etree.Element {
	return d.Children(d.MasterFiles(), "Customer")
}

// CustomerID returns the CustomerID of a customer record
func (d *Document) CustomerID(customer *etree.Element) string {
	return d.textAnyNamespace(customer, "CustomerID")
}

// CustomerIDs returns the set of CustomerID values in MasterFiles
func (d *Document) CustomerIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, c := range d.Customers() {
		if id := d.CustomerID(c); id != "" {
			ids[id] = true
		}
	}
	return ids
}

// ReferencedCustomerIDs returns the distinct CustomerID values used by
// documents of the given type, in document order
func (d *Document) ReferencedCustomerIDs(kind Kind) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, doc := range d.Documents(kind) {
		for _, el := range d.Descendants(doc, "CustomerID") {
			id := strings.TrimSpace(el.Text())
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// HasPrefixedElements reports whether any element in the subtree of el is
// bound to the document namespace through a prefix other than the one the
// root uses
func (d *Document) HasPrefixedElements(el *etree.Element) bool {
	found := false
	walk(el, func(e *etree.Element) {
		if !found && e.Space != d.space && e.NamespaceURI() == d.uri {
			found = true
		}
	})
	return found
}
