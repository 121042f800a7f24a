// Package customers supplies MasterFiles records for customers that invoices
// reference but the export left out.
package customers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/beevik/etree"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rezonia/saftao/internal/saft"
)

// EnvPath names the customer export when no flag is given
const EnvPath = "BWB_SAFTAO_CUSTOMER_FILE"

// DefaultPath is used when neither flag nor env is set
const DefaultPath = "addons/clientes.csv"

// Defaults for fields the export leaves blank
const (
	DefaultTaxID   = "999999999"
	DefaultCountry = "AO"
	Unknown        = "Desconhecido"
)

// ErrNoSource means no customer export could be found
var ErrNoSource = errors.New("customer export not found")

// Record is one customer row
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	TaxID   string `json:"tax_id"`
	Address string `json:"address,omitempty"`
	City    string `json:"city"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
}

// Lookup finds customers by CustomerID
type Lookup interface {
	Lookup(id string) (Record, bool)
	Source() string
}

// ResolvePath returns the export location: flag value, env, then DefaultPath
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// CSV is a Lookup backed by a spreadsheet export saved as CSV
type CSV struct {
	path    string
	records map[string]Record
}

// LoadCSV reads the export at path. Semicolon and comma separated files are
// accepted and column names are matched ignoring case and accents.
func LoadCSV(path string) (*CSV, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSource, path)
		}
		return nil, fmt.Errorf("failed to read customer export: %w", err)
	}
	records, err := ParseCSV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse customer export %s: %w", path, err)
	}
	return &CSV{path: path, records: records}, nil
}

// Lookup returns the record for id
func (c *CSV) Lookup(id string) (Record, bool) {
	r, ok := c.records[strings.TrimSpace(id)]
	return r, ok
}

// Source returns the export path
func (c *CSV) Source() string {
	return c.path
}

// Len returns the number of records
func (c *CSV) Len() int {
	return len(c.records)
}

// ParseCSV reads customer rows keyed by code
func ParseCSV(r io.Reader) (map[string]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = delimiter(data)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]Record{}, nil
		}
		return nil, err
	}
	cols := MapColumns(header)
	if _, ok := cols[ColumnCode]; !ok {
		return nil, fmt.Errorf("missing code column in header %q", header)
	}

	out := make(map[string]Record)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		rec := Record{
			ID:      get(ColumnCode),
			Name:    get(ColumnName),
			TaxID:   get(ColumnTaxID),
			Address: get(ColumnAddress),
			City:    get(ColumnCity),
			Country: get(ColumnCountry),
			Phone:   get(ColumnPhone),
		}
		if rec.ID == "" {
			continue
		}
		if _, dup := out[rec.ID]; !dup {
			out[rec.ID] = rec
		}
	}
	return out, nil
}

func delimiter(data []byte) rune {
	first, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Count(first, []byte(";")) >= bytes.Count(first, []byte(",")) && bytes.Contains(first, []byte(";")) {
		return ';'
	}
	return ','
}

// Canonical column names
const (
	ColumnCode    = "codigo"
	ColumnName    = "nome"
	ColumnTaxID   = "nif"
	ColumnAddress = "morada"
	ColumnCity    = "localidade"
	ColumnCountry = "pais"
	ColumnPhone   = "telefone"
)

var synonyms = map[string][]string{
	ColumnCode:    {"codigo", "cod", "cod_cliente", "codigo_cliente", "codigo_de_cliente", "client_code", "customer_id"},
	ColumnName:    {"nome", "nome_cliente", "cliente", "designacao", "designacao_social", "razao_social"},
	ColumnTaxID:   {"nif", "nif_cliente", "contribuinte", "numero_contribuinte", "num_contribuinte", "n_contribuinte", "no_contribuinte"},
	ColumnAddress: {"morada", "endereco", "endereco_cliente", "endereco_fiscal", "address"},
	ColumnCity:    {"localidade", "cidade", "municipio", "local", "city"},
	ColumnCountry: {"pais", "country", "codigo_pais"},
	ColumnPhone:   {"telemovel", "telefone", "telemovel_cliente", "phone", "telephone"},
}

// MapColumns maps canonical column names to their index in header
func MapColumns(header []string) map[string]int {
	index := make(map[string]int)
	for i, h := range header {
		if key := NormalizeHeader(h); key != "" {
			if _, ok := index[key]; !ok {
				index[key] = i
			}
		}
	}
	out := make(map[string]int)
	for col, names := range synonyms {
		for _, name := range names {
			if i, ok := index[name]; ok {
				out[col] = i
				break
			}
		}
	}
	return out
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeHeader lowercases a column name, strips accents and collapses
// everything else to underscores: "País" becomes "pais"
func NormalizeHeader(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}
	plain = nonWord.ReplaceAllString(strings.ToLower(plain), "_")
	return strings.Trim(plain, "_")
}

// Missing returns invoice CustomerIDs absent from MasterFiles, in document order
func Missing(doc *saft.Document) []string {
	known := doc.CustomerIDs()
	var out []string
	for _, id := range doc.ReferencedCustomerIDs(saft.KindInvoice) {
		if !known[id] {
			out = append(out, id)
		}
	}
	return out
}

// Insert adds a Customer built from rec to MasterFiles, after the last
// existing customer or else before the first of Supplier, Product or TaxTable
func Insert(doc *saft.Document, rec Record) *etree.Element {
	mf, _ := doc.EnsureMasterFiles()
	customer := build(doc, rec)

	if existing := doc.Customers(); len(existing) > 0 {
		saft.InsertAfter(mf, existing[len(existing)-1], customer)
		return customer
	}
	for _, name := range []string{"Supplier", "Product", "TaxTable"} {
		if ref := doc.Child(mf, name); ref != nil {
			saft.InsertBefore(mf, ref, customer)
			return customer
		}
	}
	mf.AddChild(customer)
	return customer
}

func build(doc *saft.Document, rec Record) *etree.Element {
	c := doc.NewElement("Customer", "")
	doc.Create(c, "CustomerID", rec.ID)
	doc.Create(c, "AccountID", rec.ID)
	doc.Create(c, "CustomerTaxID", orDefault(digits(rec.TaxID), DefaultTaxID))
	doc.Create(c, "CompanyName", orDefault(rec.Name, Unknown))

	addr := doc.Create(c, "BillingAddress", "")
	doc.Create(addr, "AddressDetail", orDefault(rec.Address, orDefault(rec.City, Unknown)))
	doc.Create(addr, "City", orDefault(rec.City, Unknown))
	doc.Create(addr, "Country", strings.ToUpper(orDefault(rec.Country, DefaultCountry)))

	if phone := strings.TrimSpace(rec.Phone); phone != "" {
		doc.Create(c, "Telephone", phone)
	}
	doc.Create(c, "SelfBillingIndicator", "0")
	return c
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
