package telegram

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"

	"ltalink/frame"
	"ltalink/logging"
	"ltalink/tagstore"
	"ltalink/xmlmeta"
)

// Field maps one request attribute to a toServer tag.
type Field struct {
	Attr    string
	Tag     string // relative to LTA-Data.<name>.toServer.
	Default string
	Now     bool // default to the current time in epoch milliseconds
}

// F is shorthand for a Field with a fixed default.
func F(attr, tag, def string) Field {
	return Field{Attr: attr, Tag: tag, Default: def}
}

// Request is an XML request under construction.
type Request struct {
	env    *Env
	name   string
	typeID uint32
	doc    *etree.Document
	root   *etree.Element
}

func (e *Env) newRequest(name string, typeID uint32, typeAttr string) *Request {
	doc := etree.NewDocument()
	root := doc.CreateElement("Request")
	root.CreateAttr(typeAttr, strconv.FormatUint(uint64(typeID), 10))
	return &Request{env: e, name: name, typeID: typeID, doc: doc, root: root}
}

// Tag returns the full toServer tag name for a relative path.
func (r *Request) Tag(rel string) string {
	return tagstore.NameMarker + r.name + ".toServer." + rel
}

// Text reads a toServer tag with a default.
func (r *Request) Text(rel, def string) string {
	return r.env.text(r.Tag(rel), def)
}

// Has reports whether a toServer tag holds a non-empty value.
func (r *Request) Has(rel string) bool {
	v, ok := r.env.value(r.Tag(rel))
	return ok && set(v)
}

// Now returns the current time as epoch milliseconds.
func (r *Request) Now() string {
	return strconv.FormatInt(r.env.now().UnixMilli(), 10)
}

// Root returns the Request element.
func (r *Request) Root() *etree.Element {
	return r.root
}

// Element appends a child to parent (the Request element when nil) with attributes read from fields.
func (r *Request) Element(parent *etree.Element, tag string, fields ...Field) *etree.Element {
	if parent == nil {
		parent = r.root
	}
	el := parent.CreateElement(tag)
	r.Attrs(el, fields...)
	return el
}

// Attrs sets attributes on el from fields.
func (r *Request) Attrs(el *etree.Element, fields ...Field) {
	for _, f := range fields {
		def := f.Default
		if f.Now {
			def = r.Now()
		}
		el.CreateAttr(f.Attr, r.Text(f.Tag, def))
	}
}

// String serializes the request.
func (r *Request) String() (string, error) {
	return r.doc.WriteToString()
}

// Reply collects the values a response publishes.
type Reply struct {
	env    *Env
	name   string
	Meta   xmlmeta.Meta
	Doc    *xmlmeta.Document
	values map[string]interface{}
}

func (e *Env) newReply(name string) *Reply {
	return &Reply{env: e, name: name, values: make(map[string]interface{})}
}

// Envelope returns the response envelope.
func (r *Reply) Envelope() xmlmeta.Meta { return r.Meta }

// Tag returns the full toMachine tag name for a relative path.
func (r *Reply) Tag(rel string) string {
	return tagstore.NameMarker + r.name + ".toMachine." + rel
}

// Set publishes v to a toMachine tag when the registry declares it.
func (r *Reply) Set(rel string, v interface{}) bool {
	tag := r.Tag(rel)
	if !r.env.known(tag) {
		return false
	}
	r.values[tag] = v
	return true
}

// SetAttr publishes the first present attribute among keys.
func (r *Reply) SetAttr(rel string, el *etree.Element, keys ...string) {
	if el == nil {
		return
	}
	if a := xmlmeta.Attr(el, keys...); a != nil {
		r.Set(rel, a.Value)
	}
}

// SetAttrs publishes each attribute of el under prefix + the attribute name.
func (r *Reply) SetAttrs(prefix string, el *etree.Element, attrs ...string) {
	for _, a := range attrs {
		r.SetAttr(prefix+a, el, a)
	}
}

// Limit returns a controller-side list size limit.
func (r *Reply) Limit(name string, def int) int {
	return r.env.Limit(name, def)
}

// Values returns the collected tag values.
func (r *Reply) Values() map[string]interface{} {
	return r.values
}

// XML is a telegram carried as an XML document.
type XML struct {
	env    *Env
	name   string
	typeID uint32

	// typeAttr is the request's type attribute; the job list request spells it "typeld".
	typeAttr string

	// errorCodes are the returnCodes that carry an errorReason; nil means every code but success.
	errorCodes []int
	build      func(r *Request) error
	parse      func(r *Reply)
}

// Name returns the telegram name used in its tag paths.
func (t *XML) Name() string { return t.name }

// TypeID returns the default message type id.
func (t *XML) TypeID() uint32 { return t.typeID }

// Build reads the request tags and sends the request frame.
func (t *XML) Build() error {
	typeID := t.env.typeID(t.name, t.typeID)
	attr := t.typeAttr
	if attr == "" {
		attr = "typeId"
	}
	req := t.env.newRequest(t.name, typeID, attr)
	if t.build != nil {
		if err := t.build(req); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
	}
	body, err := req.String()
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	logging.DebugLog(logging.ProtoFrame, "%s request %s", t.name, body)
	return t.env.send(t.name, typeID, frame.EncodeXML(body, t.env.Header(typeID)))
}

func (t *XML) hasErrorReason(rc int) bool {
	if t.errorCodes == nil {
		return rc != xmlmeta.SuccessCode
	}
	for _, c := range t.errorCodes {
		if c == rc {
			return true
		}
	}
	return false
}

// parser adapts the body parser to the typeId registry.
func (t *XML) parser() xmlmeta.Parser {
	return func(doc *xmlmeta.Document, meta xmlmeta.Meta) xmlmeta.Response {
		r := t.env.newReply(t.name)
		r.Meta, r.Doc = meta, doc
		t.parse(r)
		return r
	}
}

// Handle decodes a response and publishes its envelope and domain values.
func (t *XML) Handle(body []byte) {
	e := t.env
	if len(body) == 0 {
		e.logFn("%s: empty response ignored", t.name)
		return
	}
	meta, doc, ok := xmlmeta.ParseMeta(string(body), func(format string, args ...interface{}) {
		e.logFn(t.name+": "+format, args...)
	})
	if !ok {
		return
	}
	if uint32(meta.TypeID) != t.typeID {
		e.logFn("%s: response typeId %d, expected %d", t.name, meta.TypeID, t.typeID)
		return
	}

	r, ok := e.parsers.Dispatch(doc, meta).(*Reply)
	if !ok {
		r = e.newReply(t.name)
		r.Meta, r.Doc = meta, doc
	}
	if !r.Set("typeId", meta.TypeID) || !r.Set("returnCode", meta.ReturnCode) {
		e.logFn("%s: %s or %s not declared, response not published", t.name, r.Tag("typeId"), r.Tag("returnCode"))
		return
	}
	if t.hasErrorReason(meta.ReturnCode) {
		r.Set("errorReason", meta.ErrorReason)
	}

	if err := e.publish(r.values); err != nil {
		e.logFn("%s: publish: %v", t.name, err)
		return
	}
	e.logFn("%s response published (returnCode %d, %d values)", t.name, meta.ReturnCode, len(r.values))

	e.emit(Event{
		Name:        t.name,
		TypeID:      t.typeID,
		ReturnCode:  meta.ReturnCode,
		ErrorReason: meta.ErrorReason,
		Values:      r.values,
		Time:        e.now(),
	})
	e.acknowledge(t.name)
}
