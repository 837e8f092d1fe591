// Package xmlmeta extracts the fixed envelope every production server XML
// response carries and routes the document to a per-type domain parser.
package xmlmeta

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// SuccessCode is the returnCode of a successful response.
const SuccessCode = 1

// RootElement is the name of the envelope element.
const RootElement = "Response"

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("xmlmeta: empty document")
	// ErrNoResponse is returned when the document has no Response element.
	ErrNoResponse = errors.New("xmlmeta: no Response element")
	// ErrMissingAttr is returned when typeId or returnCode is absent.
	ErrMissingAttr = errors.New("xmlmeta: missing mandatory attribute")
)

// Meta is the envelope of a response.
type Meta struct {
	TypeID      int    `json:"typeId"`
	ReturnCode  int    `json:"returnCode"`
	ErrorReason string `json:"errorReason,omitempty"` // only set when ReturnCode != SuccessCode
}

// OK reports whether the server signalled success.
func (m Meta) OK() bool { return m.ReturnCode == SuccessCode }

// Envelope lets Meta stand in as the minimal domain response.
func (m Meta) Envelope() Meta { return m }

// Document is a parsed response.
type Document struct {
	doc *etree.Document
}

// Parse reads an XML text into a Document.
func Parse(text string) (*Document, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(text); err != nil {
		return nil, fmt.Errorf("xmlmeta: %w", err)
	}
	if doc.Root() == nil {
		return nil, ErrNoResponse
	}
	return &Document{doc: doc}, nil
}

// Response returns the Response element, or nil.
func (d *Document) Response() *etree.Element {
	if root := d.doc.Root(); root != nil && root.Tag == RootElement {
		return root
	}
	return d.doc.FindElement("//" + RootElement)
}

// TopLevel returns every element at document level, including stray siblings of Response.
func (d *Document) TopLevel() []*etree.Element {
	return d.doc.ChildElements()
}

// Meta extracts the envelope from the Response element.
// The server sometimes spells typeId as "typeld"; both are accepted.
// An empty typeId attribute reads as 0.
func (d *Document) Meta() (Meta, error) {
	resp := d.Response()
	if resp == nil {
		return Meta{}, ErrNoResponse
	}

	typeAttr := Attr(resp, "typeId", "typeld")
	if typeAttr == nil {
		return Meta{}, fmt.Errorf("%w: typeId", ErrMissingAttr)
	}
	rcAttr := resp.SelectAttr("returnCode")
	if rcAttr == nil {
		return Meta{}, fmt.Errorf("%w: returnCode", ErrMissingAttr)
	}

	typeID, err := atoi(typeAttr.Value)
	if err != nil {
		return Meta{}, fmt.Errorf("xmlmeta: typeId %q: %w", typeAttr.Value, err)
	}
	rc, err := atoi(rcAttr.Value)
	if err != nil {
		return Meta{}, fmt.Errorf("xmlmeta: returnCode %q: %w", rcAttr.Value, err)
	}

	m := Meta{TypeID: typeID, ReturnCode: rc}
	if rc != SuccessCode {
		m.ErrorReason = resp.SelectAttrValue("errorReason", "")
	}
	return m, nil
}

// ParseMeta parses text and extracts its envelope in one step.
// It never panics; on failure ok is false and the error is passed to logFn.
func ParseMeta(text string, logFn func(string, ...interface{})) (meta Meta, doc *Document, ok bool) {
	doc, err := Parse(text)
	if err == nil {
		meta, err = doc.Meta()
	}
	if err != nil {
		if logFn != nil {
			logFn("response envelope rejected: %v", err)
		}
		return Meta{}, nil, false
	}
	return meta, doc, true
}

// Attr returns the first present attribute among keys, tolerating known misspellings.
func Attr(el *etree.Element, keys ...string) *etree.Attr {
	for _, k := range keys {
		if a := el.SelectAttr(k); a != nil {
			return a
		}
	}
	return nil
}

// AttrValue returns the first present attribute value among keys, or "".
func AttrValue(el *etree.Element, keys ...string) string {
	if a := Attr(el, keys...); a != nil {
		return a.Value
	}
	return ""
}

// Text returns the trimmed character data of el with any literal CDATA markers removed.
func Text(el *etree.Element) string {
	s := strings.TrimSpace(el.Text())
	s = strings.TrimPrefix(s, "<![CDATA[")
	s = strings.TrimPrefix(s, "[CDATA[")
	if strings.HasSuffix(s, "]]>") {
		s = strings.TrimSuffix(s, "]]>")
	} else {
		s = strings.TrimSuffix(s, "]]")
	}
	return strings.TrimSpace(s)
}

func atoi(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
