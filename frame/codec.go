// Package frame implements the production server's binary envelope:
// a 24-byte header, the body, and a 20-byte footer mirroring the header.
//
//	offset  size  field
//	0       4     version
//	4       4     transactionId
//	8       8     workplaceId (ASCII, null padded)
//	16      4     typeId
//	20      4     dataLength
//	24      n     body
//	24+n    4     dataLength
//	+4      4     typeId
//	+4      8     workplaceId
//	+8      4     transactionId
//
// All integers are big-endian.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	HeaderSize      = 24
	FooterSize      = 20
	MinFrameSize    = HeaderSize + FooterSize
	WorkplaceIDSize = 8

	// dataLengthOffset is where the body length sits in the header.
	dataLengthOffset = 20
)

// ErrShortFrame is returned when a slice cannot hold the frame its header announces.
var ErrShortFrame = errors.New("frame: short frame")

// Header carries the fields written into both header and footer.
type Header struct {
	Version       uint32
	TransactionID uint32
	WorkplaceID   string
	TypeID        uint32
}

// Frame is a decoded envelope.
type Frame struct {
	Header
	DataLength uint32
	Body       []byte
	Footer     Footer
}

// Footer holds the mirrored trailer fields as read from the wire.
type Footer struct {
	DataLength    uint32
	TypeID        uint32
	WorkplaceID   string
	TransactionID uint32
}

// ValidationError reports footer fields that disagree with the header.
type ValidationError struct {
	Field  string
	Header uint32
	Footer uint32
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("frame: footer %s %d does not match header %d", e.Field, e.Footer, e.Header)
}

var interTagSpace = regexp.MustCompile(`>\s+<`)

// CompactXML removes newlines and whitespace between tags.
func CompactXML(xml string) string {
	xml = strings.NewReplacer("\r\n", "", "\n", "", "\r", "").Replace(xml)
	xml = interTagSpace.ReplaceAllString(xml, "><")
	return strings.TrimSpace(xml)
}

// Encode builds a complete frame around body.
func Encode(body []byte, h Header) []byte {
	n := len(body)
	buf := make([]byte, HeaderSize+n+FooterSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Version)
	binary.BigEndian.PutUint32(buf[4:8], h.TransactionID)
	putWorkplace(buf[8:16], h.WorkplaceID)
	binary.BigEndian.PutUint32(buf[16:20], h.TypeID)
	binary.BigEndian.PutUint32(buf[20:24], uint32(n))

	copy(buf[HeaderSize:], body)

	f := buf[HeaderSize+n:]
	binary.BigEndian.PutUint32(f[0:4], uint32(n))
	binary.BigEndian.PutUint32(f[4:8], h.TypeID)
	putWorkplace(f[8:16], h.WorkplaceID)
	binary.BigEndian.PutUint32(f[16:20], h.TransactionID)

	return buf
}

// EncodeXML compacts an XML document and frames it as UTF-8 text.
func EncodeXML(xml string, h Header) []byte {
	return Encode([]byte(CompactXML(xml)), h)
}

// putWorkplace writes id truncated or null padded to exactly 8 bytes.
func putWorkplace(dst []byte, id string) {
	n := copy(dst[:WorkplaceIDSize], id)
	for i := n; i < WorkplaceIDSize; i++ {
		dst[i] = 0
	}
}

func readWorkplace(src []byte) string {
	return string(bytes.TrimRight(src[:WorkplaceIDSize], "\x00"))
}

// PeekDataLength reads the body length from a buffer holding at least a header.
func PeekDataLength(b []byte) (uint32, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[dataLengthOffset : dataLengthOffset+4]), true
}

// Decode parses a slice holding exactly one frame and validates the footer.
// A footer mismatch returns a *ValidationError; the partially decoded frame is
// still returned so callers can log its fields.
func Decode(b []byte) (Frame, error) {
	if len(b) < MinFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}

	var f Frame
	f.Version = binary.BigEndian.Uint32(b[0:4])
	f.TransactionID = binary.BigEndian.Uint32(b[4:8])
	f.WorkplaceID = readWorkplace(b[8:16])
	f.TypeID = binary.BigEndian.Uint32(b[16:20])
	f.DataLength = binary.BigEndian.Uint32(b[20:24])

	expected := uint64(MinFrameSize) + uint64(f.DataLength)
	if uint64(len(b)) != expected {
		if uint64(len(b)) < expected {
			return f, fmt.Errorf("%w: have %d bytes, header announces %d", ErrShortFrame, len(b), expected)
		}
		return f, fmt.Errorf("frame: %d trailing bytes after footer", uint64(len(b))-expected)
	}

	f.Body = b[HeaderSize : HeaderSize+int(f.DataLength)]

	t := b[HeaderSize+int(f.DataLength):]
	f.Footer = Footer{
		DataLength:    binary.BigEndian.Uint32(t[0:4]),
		TypeID:        binary.BigEndian.Uint32(t[4:8]),
		WorkplaceID:   readWorkplace(t[8:16]),
		TransactionID: binary.BigEndian.Uint32(t[16:20]),
	}

	switch {
	case f.Footer.DataLength != f.DataLength:
		return f, &ValidationError{Field: "dataLength", Header: f.DataLength, Footer: f.Footer.DataLength}
	case f.Footer.TypeID != f.TypeID:
		return f, &ValidationError{Field: "typeId", Header: f.TypeID, Footer: f.Footer.TypeID}
	case f.Footer.TransactionID != f.TransactionID:
		return f, &ValidationError{Field: "transactionId", Header: f.TransactionID, Footer: f.Footer.TransactionID}
	}
	return f, nil
}
