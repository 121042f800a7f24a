// Package repair rewrites a SAF-T (AO) document into a schema-valid,
// numerically consistent form and records every change in an audit log.
//
// Two profiles exist. Soft is the full pipeline: invoice type
// normalisation, TaxTable upkeep, totals in TaxPayable-first order and
// customer import. Hard targets the minimal schema sequence and sweeps
// every Tax block in the document.
package repair

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/calc"
	"github.com/rezonia/saftao/internal/customers"
	"github.com/rezonia/saftao/internal/logger"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/normalize"
	"github.com/rezonia/saftao/internal/ordering"
	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/internal/saft"
)

// Profile selects a repair pipeline
type Profile string

const (
	Soft Profile = "soft"
	Hard Profile = "hard"
)

// ParseProfile reads a profile name
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", Soft:
		return Soft, nil
	case Hard:
		return Hard, nil
	}
	return "", fmt.Errorf("unknown profile %q (want soft or hard)", s)
}

// Options are the switches a profile turns on
type Options struct {
	TotalsOrder          ordering.TotalsOrder
	LineOrder            []string
	BalanceWorkDocuments bool
	FixInvoiceType       bool
	ImportCustomers      bool
	SweepAllTaxBlocks    bool
	// RecalculateWorkDocuments recomputes WorkDocument lines and totals
	// from quantities. Without it their amounts are kept and only
	// GrossTotal is derived, as for Payments.
	RecalculateWorkDocuments bool
	// ErrorLimit caps the schema errors printed and logged
	ErrorLimit int
}

// DefaultOptions returns the switches of a profile
func DefaultOptions(p Profile) Options {
	if p == Hard {
		return Options{
			TotalsOrder:          ordering.NetFirst,
			LineOrder:            ordering.MinimalLineOrder,
			BalanceWorkDocuments: true,
			SweepAllTaxBlocks:    true,
			ErrorLimit:           20,
		}
	}
	return Options{
		TotalsOrder:              ordering.TaxFirst,
		LineOrder:                ordering.FullLineOrder,
		FixInvoiceType:           true,
		ImportCustomers:          true,
		RecalculateWorkDocuments: true,
		ErrorLimit:               50,
	}
}

// Repairer applies a profile to documents
type Repairer struct {
	profile      Profile
	opts         Options
	rules        *rules.Index
	lookup       customers.Lookup
	customerFile string
	log          *slog.Logger
}

// Option configures a Repairer
type Option func(*Repairer)

// WithOptions replaces the profile defaults
func WithOptions(opts Options) Option {
	return func(r *Repairer) {
		r.opts = opts
	}
}

// WithTotalsOrder overrides the DocumentTotals order of the profile
func WithTotalsOrder(o ordering.TotalsOrder) Option {
	return func(r *Repairer) {
		r.opts.TotalsOrder = o
	}
}

// WithRules sets the rule index
func WithRules(ix *rules.Index) Option {
	return func(r *Repairer) {
		r.rules = ix
	}
}

// WithCustomers sets the lookup used to import missing customers
func WithCustomers(l customers.Lookup) Option {
	return func(r *Repairer) {
		r.lookup = l
	}
}

// WithCustomerFile sets the export read on demand when no lookup is given
func WithCustomerFile(path string) Option {
	return func(r *Repairer) {
		r.customerFile = path
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Repairer) {
		r.log = l
	}
}

// New creates a repairer for profile
func New(profile Profile, opts ...Option) *Repairer {
	r := &Repairer{profile: profile, opts: DefaultOptions(profile)}
	for _, opt := range opts {
		opt(r)
	}
	if r.opts.LineOrder == nil {
		r.opts.LineOrder = DefaultOptions(profile).LineOrder
	}
	r.log = logger.OrDefault(r.log)
	return r
}

// Profile returns the profile name
func (r *Repairer) Profile() Profile {
	return r.profile
}

// Options returns the effective switches
func (r *Repairer) Options() Options {
	return r.opts
}

// Result summarises one Repair call
type Result struct {
	Profile   Profile
	Changes   int
	Customers []string
	Totals    map[string]calc.DocumentTotals
}

type counter struct {
	sink audit.Sink
	n    int
}

func (c *counter) Record(e audit.Entry) {
	if !e.Informational() {
		c.n++
	}
	c.sink.Record(e)
}

// Repair applies the profile to doc in place. Every change is reported to
// sink; a nil sink discards them.
func (r *Repairer) Repair(doc *saft.Document, sink audit.Sink) (*Result, error) {
	if sink == nil {
		sink = audit.Discard
	}
	cnt := &counter{sink: sink}
	res := &Result{Profile: r.profile, Totals: make(map[string]calc.DocumentTotals)}

	r.customerNamespaces(doc, cnt)
	r.header(doc, cnt)
	if r.opts.FixInvoiceType {
		r.invoiceTypes(doc, cnt)
	}

	c := calc.New(doc, cnt, calc.Options{
		LineOrder:   r.opts.LineOrder,
		TotalsOrder: r.opts.TotalsOrder,
		Region:      r.rules.CountryRegion(),
	})
	c.NormalizeTaxTable()

	for _, inv := range doc.Documents(saft.KindInvoice) {
		res.Totals[doc.DocumentID(saft.KindInvoice, inv)] = c.FixDocument(saft.KindInvoice, inv)
	}

	for _, kind := range []saft.Kind{saft.KindPayment, saft.KindWorkDocument} {
		for _, el := range doc.Documents(kind) {
			id := doc.DocumentID(kind, el)
			if kind == saft.KindWorkDocument && r.opts.RecalculateWorkDocuments && doc.Child(el, "DocumentTotals") != nil {
				res.Totals[id] = c.FixDocument(kind, el)
				continue
			}
			if totals, ok := c.KeepDocument(kind, el); ok {
				res.Totals[id] = totals
			}
		}
	}

	if r.opts.SweepAllTaxBlocks {
		for _, tax := range doc.TaxBlocks() {
			ctx := doc.ResolveTaxContext(tax)
			c.EnsureCountryRegion(tax, ctx.DocumentID, ctx.LineNumber)
		}
	}

	if r.opts.ImportCustomers {
		added, err := r.importCustomers(doc, cnt)
		if err != nil {
			return nil, err
		}
		res.Customers = added
	}

	res.Changes = cnt.n
	r.log.Debug("repair.completed", "profile", r.profile, "changes", res.Changes, "documents", len(res.Totals))
	return res, nil
}

func (r *Repairer) customerNamespaces(doc *saft.Document, sink audit.Sink) {
	normalize.CustomerNamespace(doc, func(id string) {
		sink.Record(audit.Entry{
			Action:  audit.ActionFixCustomerNS,
			Message: "Cliente normalizado para o namespace por omissão",
			Field:   "Customer",
			Extra:   map[string]string{"customer_id": id},
		})
	})
}

func (r *Repairer) header(doc *saft.Document, sink audit.Sink) {
	changes := []struct {
		action string
		change normalize.Change
	}{
		{audit.ActionFixTaxRegistration, normalize.TaxRegistrationNumber(doc, r.rules.TaxRegistration())},
		{audit.ActionFixBuildingNumber, normalize.BuildingNumber(doc, r.rules.BuildingNumber())},
		{audit.ActionFixPostalCode, normalize.PostalCode(doc, r.rules.PostalCode())},
	}
	for _, c := range changes {
		if !c.change.Changed {
			continue
		}
		sink.Record(audit.Entry{
			Action:   c.action,
			Message:  c.change.Field + " normalizado",
			Field:    c.change.Field,
			OldValue: c.change.Old,
			NewValue: c.change.New,
			XPath:    saft.Path(c.change.Element),
		})
	}
}

func (r *Repairer) invoiceTypes(doc *saft.Document, sink audit.Sink) {
	for _, inv := range doc.Documents(saft.KindInvoice) {
		el := doc.Child(inv, "InvoiceType")
		if el == nil || strings.TrimSpace(el.Text()) != "VD" {
			continue
		}
		el.SetText("FR")
		id := doc.DocumentID(saft.KindInvoice, inv)
		sink.Record(audit.Entry{
			Action:   audit.ActionFixInvoiceType,
			Message:  "InvoiceType normalizado para FR",
			Invoice:  id,
			Field:    "InvoiceType",
			OldValue: "VD",
			NewValue: "FR",
			Note:     fmt.Sprintf("Factura %s: tipo VD substituído por FR", id),
			XPath:    saft.Path(el),
		})
	}
}

func (r *Repairer) customerLookup() (customers.Lookup, error) {
	if r.lookup != nil {
		return r.lookup, nil
	}
	return customers.LoadCSV(customers.ResolvePath(r.customerFile))
}

func (r *Repairer) importCustomers(doc *saft.Document, sink audit.Sink) ([]string, error) {
	missing := customers.Missing(doc)
	if len(missing) == 0 {
		return nil, nil
	}

	lookup, err := r.customerLookup()
	if errors.Is(err, customers.ErrNoSource) {
		r.log.Debug("repair.customers.skipped", "missing", len(missing), "error", err)
		return nil, nil
	}
	if err != nil {
		sink.Record(audit.Entry{
			Action:  audit.ActionAutoAddCustomerFail,
			Message: "Falha ao adicionar clientes em falta",
			Note:    err.Error(),
		})
		return nil, model.NewRepairError("customers", "failed to load customer export", err)
	}

	var added []string
	for _, id := range missing {
		rec, ok := lookup.Lookup(id)
		if !ok {
			r.log.Debug("repair.customers.unknown", "customer_id", id, "source", lookup.Source())
			continue
		}
		el := customers.Insert(doc, rec)
		added = append(added, id)
		sink.Record(audit.Entry{
			Action:   audit.ActionAutoAddCustomer,
			Message:  "Cliente adicionado ao MasterFiles",
			Field:    "Customer",
			NewValue: id,
			Note:     fmt.Sprintf("Cliente '%s' adicionado a partir de %s", id, lookup.Source()),
			XPath:    saft.Path(el),
			Extra:    map[string]string{"customer_id": id, "source": lookup.Source()},
		})
	}
	return added, nil
}

// TotalsOf sums the recomputed totals of a result
func (res *Result) TotalsOf() calc.DocumentTotals {
	var out calc.DocumentTotals
	for _, t := range res.Totals {
		out.Net = out.Net.Add(t.Net)
		out.Tax = out.Tax.Add(t.Tax)
		out.Gross = out.Gross.Add(t.Gross)
	}
	return out
}
