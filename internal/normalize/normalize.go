// Package normalize rewrites namespace and header identity anomalies.
//
// Each normaliser has a matching predicate used read-only by the validator,
// so a finding and its fix never disagree.
package normalize

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/internal/saft"
)

// Change describes a single header field rewrite
type Change struct {
	Changed bool
	Field   string
	Old     string
	New     string
	Element *etree.Element
}

// CustomerNamespace rewrites every MasterFiles Customer whose subtree uses a
// prefix bound to the document namespace so that all of its elements use the
// default namespace. Order, text and attributes are preserved. onFix receives
// the id of each rewritten customer.
func CustomerNamespace(doc *saft.Document, onFix func(customerID string)) bool {
	changed := false
	for _, customer := range doc.Customers() {
		if !doc.HasPrefixedElements(customer) {
			continue
		}
		id := doc.CustomerID(customer)
		unprefix(doc, customer)
		changed = true
		if onFix != nil {
			onFix(id)
		}
	}
	return changed
}

func unprefix(doc *saft.Document, customer *etree.Element) {
	uri := doc.Namespace()
	match := uriOf(doc)
	prefixes := map[string]bool{}

	own := doc.Prefix()
	saft.Walk(customer, func(e *etree.Element) {
		if e.Space != own && e.NamespaceURI() == match {
			prefixes[e.Space] = true
			e.Space = own
		}
	})

	// Attributes follow their element; a clash with an existing attribute
	// keeps the prefix and its declaration.
	kept := map[string]bool{}
	saft.Walk(customer, func(e *etree.Element) {
		for i := range e.Attr {
			a := &e.Attr[i]
			if a.Space == "" || !prefixes[a.Space] {
				continue
			}
			name := a.Key
			if own != "" {
				name = own + ":" + a.Key
			}
			if e.SelectAttr(name) != nil {
				kept[a.Space] = true
				continue
			}
			a.Space = own
		}
	})

	// Drop declarations of the removed prefixes inside the record.
	saft.Walk(customer, func(e *etree.Element) {
		for p := range prefixes {
			if kept[p] {
				continue
			}
			if a := e.SelectAttr("xmlns:" + p); a != nil && a.Value == uri {
				e.RemoveAttr("xmlns:" + p)
			}
		}
	})

	// Without a default namespace in scope the record would fall out of the document namespace.
	if own == "" && doc.Qualified() && customer.NamespaceURI() != uri {
		customer.CreateAttr("xmlns", uri)
	}
}

func uriOf(doc *saft.Document) string {
	if doc.Qualified() {
		return doc.Namespace()
	}
	return ""
}

// NeedsTaxRegistrationFix returns the digits-only form of current when it differs
func NeedsTaxRegistrationFix(current string, cfg rules.TaxRegistrationConfig) (string, bool) {
	if !cfg.StripNonDigits {
		return "", false
	}
	current = strings.TrimSpace(current)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, current)
	if digits == "" || digits == current {
		return "", false
	}
	return digits, true
}

// NeedsBuildingNumberFix returns the marker to use when current is empty,
// forbidden or all zeros. Accepted markers are left alone.
func NeedsBuildingNumberFix(current string, cfg rules.BuildingNumberConfig) (string, bool) {
	current = strings.TrimSpace(current)
	if cfg.IsMarker(current) {
		return "", false
	}
	if current == "" || cfg.IsForbidden(current) {
		return cfg.Marker(), true
	}
	return "", false
}

// NeedsPostalCodeFix returns the placeholder when current is the legacy alias
func NeedsPostalCodeFix(current string, cfg rules.PostalCodeConfig) (string, bool) {
	current = strings.TrimSpace(current)
	if cfg.Alias != "" && current == cfg.Alias && current != cfg.Placeholder {
		return cfg.Placeholder, true
	}
	return "", false
}

// TaxRegistrationNumber strips non-digits from Header/TaxRegistrationNumber
func TaxRegistrationNumber(doc *saft.Document, cfg rules.TaxRegistrationConfig) Change {
	el := doc.Child(doc.Header(), "TaxRegistrationNumber")
	return apply(el, "TaxRegistrationNumber", func(v string) (string, bool) {
		return NeedsTaxRegistrationFix(v, cfg)
	})
}

// BuildingNumber normalises Header/CompanyAddress/BuildingNumber
func BuildingNumber(doc *saft.Document, cfg rules.BuildingNumberConfig) Change {
	el := doc.Child(CompanyAddress(doc), "BuildingNumber")
	return apply(el, "BuildingNumber", func(v string) (string, bool) {
		return NeedsBuildingNumberFix(v, cfg)
	})
}

// PostalCode normalises Header/CompanyAddress/PostalCode
func PostalCode(doc *saft.Document, cfg rules.PostalCodeConfig) Change {
	el := doc.Child(CompanyAddress(doc), "PostalCode")
	return apply(el, "PostalCode", func(v string) (string, bool) {
		return NeedsPostalCodeFix(v, cfg)
	})
}

// CompanyAddress returns Header/CompanyAddress
func CompanyAddress(doc *saft.Document) *etree.Element {
	return doc.Child(doc.Header(), "CompanyAddress")
}

func apply(el *etree.Element, field string, needs func(string) (string, bool)) Change {
	if el == nil {
		return Change{Field: field}
	}
	old := strings.TrimSpace(el.Text())
	suggested, ok := needs(old)
	if !ok {
		return Change{Field: field, Old: old, Element: el}
	}
	el.SetText(suggested)
	return Change{Changed: true, Field: field, Old: old, New: suggested, Element: el}
}
