package telegram

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"ltalink/frame"
	"ltalink/xmlmeta"
)

// Fixed field widths of the binary telegrams.
const (
	serverInfoSize    = 256
	messageSize       = 256
	workplaceNameSize = 31
	workplaceTypeSize = 11
	versionFieldSize  = 17
	workplaceHeadSize = workplaceNameSize + workplaceTypeSize + 4 + 1

	maxWorkplaceData = frame.DefaultMaxDataLength - workplaceHeadSize + 1
)

// Binary is a telegram with a fixed-layout binary body.
type Binary struct {
	env    *Env
	name   string
	typeID uint32
	build  func(r *Request) ([]byte, error)
	parse  func(body []byte, r *Reply) error

	// logOnly telegrams are never requested; responses are only logged.
	logOnly bool
}

// Name returns the telegram name used in its tag paths.
func (t *Binary) Name() string { return t.name }

// TypeID returns the message type id.
func (t *Binary) TypeID() uint32 { return t.typeID }

// Build encodes the request body from tags and sends it.
func (t *Binary) Build() error {
	if t.logOnly {
		t.env.logFn("%s is server initiated, nothing to send", t.name)
		return nil
	}
	req := t.env.newRequest(t.name, t.typeID, "typeId")
	var body []byte
	if t.build != nil {
		var err error
		if body, err = t.build(req); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
	}
	return t.env.send(t.name, t.typeID, frame.Encode(body, t.env.Header(t.typeID)))
}

// Handle decodes a response body and publishes its fields.
func (t *Binary) Handle(body []byte) {
	e := t.env
	if t.logOnly {
		e.logFn("%s response: %s", t.name, body)
		return
	}
	r := e.newReply(t.name)
	if t.parse != nil {
		if err := t.parse(body, r); err != nil {
			e.logFn("%s: %v", t.name, err)
			return
		}
	}
	if len(r.values) == 0 {
		e.logFn("%s: no declared tags for response, nothing published", t.name)
		return
	}
	if err := e.publish(r.values); err != nil {
		e.logFn("%s: publish: %v", t.name, err)
		return
	}
	e.logFn("%s response published (%d values)", t.name, len(r.values))
	// Binary bodies carry no return code; a parsed body counts as success.
	e.emit(Event{Name: t.name, TypeID: t.typeID, ReturnCode: xmlmeta.SuccessCode, Values: r.values, Time: e.now()})
	e.acknowledge(t.name)
}

// ascii writes s into a zero-padded field of n bytes.
func ascii(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// readASCII reads a zero-padded text field.
func readASCII(b []byte) string {
	return strings.TrimSpace(string(bytes.ReplaceAll(b, []byte{0}, nil)))
}

func short(name string, body []byte, want int) error {
	if len(body) < want {
		return fmt.Errorf("%s response has %d bytes, need %d", name, len(body), want)
	}
	return nil
}

func buildAccept(r *Request) ([]byte, error) {
	b := make([]byte, 4, 4+serverInfoSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(r.env.number(r.Tag("currentIndex"), 8)))
	binary.BigEndian.PutUint16(b[2:4], uint16(r.env.number(r.Tag("maxConnections"), 64)))
	return append(b, ascii(r.Text("serverInfo", "1.0.3.9"), serverInfoSize)...), nil
}

func parseAccept(body []byte, r *Reply) error {
	if err := short("accept", body, 4); err != nil {
		return err
	}
	r.Set("currentIndex", binary.BigEndian.Uint16(body[0:2]))
	r.Set("maxConnections", binary.BigEndian.Uint16(body[2:4]))
	end := 4 + serverInfoSize
	if end > len(body) {
		end = len(body)
	}
	r.Set("serverInfo", readASCII(body[4:end]))
	return nil
}

func buildError(r *Request) ([]byte, error) {
	return ascii(r.Text("message", "This is an error message for test purpose."), messageSize), nil
}

// parseCodeMessage reads an int32 code followed by text, the layout of error and info responses.
func parseCodeMessage(name string, maxLen int) func(body []byte, r *Reply) error {
	return func(body []byte, r *Reply) error {
		if err := short(name, body, 4); err != nil {
			return err
		}
		r.Set("code", int32(binary.BigEndian.Uint32(body[0:4])))
		rest := body[4:]
		if maxLen > 0 && len(rest) > maxLen {
			rest = rest[:maxLen]
		}
		r.Set("message", readASCII(rest))
		return nil
	}
}

// workplaceBody is the shared layout of info and workplaceSetup requests.
// The announced data length must fit a frame.
func workplaceBody(r *Request, defName, defType string, defLen int64) ([]byte, error) {
	dataLen := r.env.number(r.Tag("workplaceDataLength"), defLen)
	if dataLen < 0 {
		dataLen = 0
	}
	if dataLen > maxWorkplaceData {
		return nil, fmt.Errorf("%w: workplaceDataLength %d exceeds %d", ErrFieldRange, dataLen, maxWorkplaceData)
	}
	b := make([]byte, 0, workplaceHeadSize+int(dataLen))
	b = append(b, ascii(r.Text("workplaceName", defName), workplaceNameSize)...)
	b = append(b, ascii(r.Text("workplaceType", defType), workplaceTypeSize)...)
	b = binary.BigEndian.AppendUint32(b, uint32(dataLen))
	b = append(b, byte(r.env.number(r.Tag("workplaceData"), 0)))
	if dataLen > 1 {
		b = append(b, make([]byte, dataLen-1)...)
	}
	return b, nil
}

func buildInfo(r *Request) ([]byte, error) {
	b, err := workplaceBody(r, "RA162-4", "DM", 5)
	if err != nil {
		return nil, err
	}
	return b[:workplaceHeadSize], nil
}

func buildWorkplaceSetup(r *Request) ([]byte, error) {
	return workplaceBody(r, "", "", 0)
}

func parseWorkplaceSetup(body []byte, r *Reply) error {
	if err := short("workplaceSetup", body, 4); err != nil {
		return err
	}
	r.Set("returnCode", int32(binary.BigEndian.Uint32(body[0:4])))
	return nil
}

func parseTimeRequest(body []byte, r *Reply) error {
	if err := short("timeRequest", body, 6); err != nil {
		return err
	}
	r.Set("timeStamp", binary.BigEndian.Uint32(body[0:4]))
	r.Set("summerTime", binary.BigEndian.Uint16(body[4:6]))
	return nil
}

func parseWorkplaceInfo(body []byte, r *Reply) error {
	const head = workplaceNameSize + workplaceTypeSize + 4
	if err := short("workplaceInfo", body, head); err != nil {
		return err
	}
	r.Set("workplaceName", readASCII(body[:workplaceNameSize]))
	r.Set("workplaceType", readASCII(body[workplaceNameSize:workplaceNameSize+workplaceTypeSize]))
	n := binary.BigEndian.Uint32(body[head-4 : head])
	r.Set("workplaceDataLength", n)
	data := body[head:]
	if uint64(len(data)) > uint64(n) {
		data = data[:n]
	}
	r.Set("workplaceData", hex.EncodeToString(data))
	return nil
}

func buildVersionInfo(r *Request) ([]byte, error) {
	b := make([]byte, 0, 3*versionFieldSize)
	b = append(b, ascii(r.Text("protocolVersion", "0"), versionFieldSize)...)
	b = append(b, ascii(r.Text("clientVersion", "0"), versionFieldSize)...)
	return append(b, ascii(r.Text("clientRevision", "0"), versionFieldSize)...), nil
}

func parseVersionInfo(body []byte, r *Reply) error {
	if err := short("versionInfo", body, 4+3*versionFieldSize); err != nil {
		return err
	}
	r.Set("commFrame", binary.BigEndian.Uint32(body[0:4]))
	off := 4
	for _, rel := range []string{"protocolVersion", "logotronicVersion", "serverRevision"} {
		r.Set(rel, readASCII(body[off:off+versionFieldSize]))
		off += versionFieldSize
	}
	return nil
}
