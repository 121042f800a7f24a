// Package saft provides namespace-aware access to SAF-T (AO) audit files.
//
// A Document wraps an etree tree. Elements are matched by local name and by
// the namespace URI they resolve to, never by inspecting prefixes, so a
// prefixed element bound to the document namespace is still found.
package saft

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/rezonia/saftao/internal/model"
)

// DefaultNamespace is assumed when the root element declares no namespace
const DefaultNamespace = "urn:OECD:StandardAuditFile-Tax:AO_1.01_01"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Document is a parsed audit file. It is owned by one caller at a time.
type Document struct {
	tree  *etree.Document
	root  *etree.Element
	uri   string
	space string
}

// Parse reads an audit file from memory
func Parse(data []byte) (*Document, error) {
	tree := etree.NewDocument()
	tree.ReadSettings.CharsetReader = charsetReader

	if err := tree.ReadFromBytes(bytes.TrimPrefix(data, utf8BOM)); err != nil {
		return nil, model.NewParseError("", "failed to parse XML", err)
	}
	return New(tree)
}

// ReadFile reads an audit file from disk
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewParseError(path, "failed to read file", err)
	}
	doc, err := Parse(data)
	if err != nil {
		var perr *model.ParseError
		if errors.As(err, &perr) {
			perr.Source = path
		}
		return nil, err
	}
	return doc, nil
}

// New wraps an already parsed tree
func New(tree *etree.Document) (*Document, error) {
	root := tree.Root()
	if root == nil {
		return nil, model.NewParseError("", "document has no root element", nil)
	}
	d := &Document{
		tree: tree,
		root: root,
		uri:  root.NamespaceURI(),
	}
	// Prefix-only documents need new elements to carry the root prefix.
	if root.Space != "" && root.SelectAttrValue("xmlns", "") != d.uri {
		d.space = root.Space
	}
	return d, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

// Tree returns the underlying etree document
func (d *Document) Tree() *etree.Document {
	return d.tree
}

// Root returns the AuditFile element
func (d *Document) Root() *etree.Element {
	return d.root
}

// Namespace returns the document namespace, or DefaultNamespace for an
// unqualified root
func (d *Document) Namespace() string {
	if d.uri == "" {
		return DefaultNamespace
	}
	return d.uri
}

// Qualified reports whether the root declares a namespace
func (d *Document) Qualified() bool {
	return d.uri != ""
}

// Bytes renders the document indented, with a UTF-8 XML declaration
func (d *Document) Bytes() ([]byte, error) {
	for _, tok := range d.tree.Child {
		if pi, ok := tok.(*etree.ProcInst); ok && pi.Target == "xml" {
			d.tree.RemoveChild(pi)
			break
		}
	}
	d.tree.InsertChildAt(0, etree.NewProcInst("xml", `version="1.0" encoding="UTF-8"`))
	d.tree.Indent(2)

	data, err := d.tree.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialise document: %w", err)
	}
	return data, nil
}

// WriteFile renders the document to path
func (d *Document) WriteFile(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Is reports whether el has the local name and belongs to the document namespace
func (d *Document) Is(el *etree.Element, local string) bool {
	return el != nil && el.Tag == local && el.NamespaceURI() == d.uri
}

// Child returns the first child of parent with the local name
func (d *Document) Child(parent *etree.Element, local string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if d.Is(c, local) {
			return c
		}
	}
	return nil
}

// Children returns every child of parent with the local name
func (d *Document) Children(parent *etree.Element, local string) []*etree.Element {
	if parent == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range parent.ChildElements() {
		if d.Is(c, local) {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the trimmed text of the named child and whether it exists
func (d *Document) ChildText(parent *etree.Element, local string) (string, bool) {
	c := d.Child(parent, local)
	if c == nil {
		return "", false
	}
	return strings.TrimSpace(c.Text()), true
}

// Text returns the trimmed text of the named child, empty when absent
func (d *Document) Text(parent *etree.Element, local string) string {
	s, _ := d.ChildText(parent, local)
	return s
}

// Descendants returns every element below el with the local name, in document order
func (d *Document) Descendants(el *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	walk(el, func(e *etree.Element) {
		if e != el && d.Is(e, local) {
			out = append(out, e)
		}
	})
	return out
}

// ChildByLocalName returns the first child with the local name in any namespace
func ChildByLocalName(parent *etree.Element, local string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

// AddChild appends a new unprefixed element with text to parent
func AddChild(parent *etree.Element, local, text string) *etree.Element {
	el := parent.CreateElement(local)
	if text != "" {
		el.SetText(text)
	}
	return el
}

// InsertChildAt inserts a new unprefixed element at the given element position.
// A position past the last element appends.
func InsertChildAt(parent *etree.Element, pos int, local, text string) *etree.Element {
	el := etree.NewElement(local)
	if text != "" {
		el.SetText(text)
	}
	children := parent.ChildElements()
	if pos >= len(children) {
		parent.AddChild(el)
		return el
	}
	if pos < 0 {
		pos = 0
	}
	parent.InsertChildAt(children[pos].Index(), el)
	return el
}

// InsertAfter inserts el immediately after ref, which must be a child of parent
func InsertAfter(parent, ref, el *etree.Element) {
	parent.InsertChildAt(ref.Index()+1, el)
}

// InsertBefore inserts el immediately before ref, which must be a child of parent
func InsertBefore(parent, ref, el *etree.Element) {
	parent.InsertChildAt(ref.Index(), el)
}

// Prefix returns the prefix new elements get. It is empty unless the root
// is bound to the document namespace only through a prefix.
func (d *Document) Prefix() string {
	return d.space
}

// Create appends a new element in the document namespace to parent
func (d *Document) Create(parent *etree.Element, local, text string) *etree.Element {
	el := AddChild(parent, local, text)
	el.Space = d.space
	return el
}

// NewElement returns a detached element in the document namespace
func (d *Document) NewElement(local, text string) *etree.Element {
	el := etree.NewElement(local)
	el.Space = d.space
	if text != "" {
		el.SetText(text)
	}
	return el
}

// Walk visits el and every descendant element in document order
func Walk(el *etree.Element, fn func(*etree.Element)) {
	walk(el, fn)
}

func walk(el *etree.Element, fn func(*etree.Element)) {
	if el == nil {
		return
	}
	fn(el)
	for _, c := range el.ChildElements() {
		walk(c, fn)
	}
}

// Path returns an xpath-like location for el, e.g.
// /AuditFile/SourceDocuments/SalesInvoices/Invoice[2]/Line[1]
func Path(el *etree.Element) string {
	if el == nil {
		return ""
	}
	var parts []string
	for e := el; e != nil; e = e.Parent() {
		parent := e.Parent()
		if parent == nil || (parent.Parent() == nil && parent.Tag == "") {
			parts = append(parts, e.Tag)
			break
		}
		parts = append(parts, segment(parent, e))
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

func segment(parent, el *etree.Element) string {
	count, pos := 0, 0
	for _, c := range parent.ChildElements() {
		if c.Tag != el.Tag {
			continue
		}
		count++
		if c == el {
			pos = count
		}
	}
	if count <= 1 {
		return el.Tag
	}
	return fmt.Sprintf("%s[%d]", el.Tag, pos)
}
