package frame

import "encoding/binary"

// DefaultMaxDataLength bounds the body length accepted from a header.
// Preview responses carry JPEG data, so the bound is generous.
const DefaultMaxDataLength = 200 * 1024 * 1024

// Reassembler accumulates TCP chunks and cuts them into complete frames.
// It is not safe for concurrent use; one connection's reader owns it.
type Reassembler struct {
	buf       []byte
	maxData   uint32
	discarded int
}

// NewReassembler creates a reassembler. A zero maxData selects DefaultMaxDataLength.
func NewReassembler(maxData uint32) *Reassembler {
	if maxData == 0 {
		maxData = DefaultMaxDataLength
	}
	return &Reassembler{maxData: maxData}
}

// AddChunk appends received bytes.
func (r *Reassembler) AddChunk(b []byte) {
	r.buf = append(r.buf, b...)
}

// ExtractFrames returns every complete frame now buffered, in arrival order.
// Incomplete trailing bytes stay buffered for the next call.
// An out-of-bound length or a footer length that disagrees with the header
// discards the whole buffer; there is no byte-level resynchronization.
func (r *Reassembler) ExtractFrames() [][]byte {
	var frames [][]byte

	for len(r.buf) >= MinFrameSize {
		dataLength, _ := PeekDataLength(r.buf)
		if dataLength > r.maxData {
			r.discard()
			break
		}

		expected := uint64(MinFrameSize) + uint64(dataLength)
		if uint64(len(r.buf)) < expected {
			break
		}

		candidate := r.buf[:expected]
		footerLength := binary.BigEndian.Uint32(candidate[HeaderSize+int(dataLength):])
		if footerLength != dataLength {
			r.discard()
			break
		}

		out := make([]byte, len(candidate))
		copy(out, candidate)
		frames = append(frames, out)

		r.buf = r.buf[expected:]
	}

	// Release the consumed prefix so the backing array does not grow without bound.
	if len(frames) > 0 {
		if len(r.buf) == 0 {
			r.buf = nil
		} else {
			r.buf = append([]byte(nil), r.buf...)
		}
	}

	return frames
}

func (r *Reassembler) discard() {
	r.buf = nil
	r.discarded++
}

// Buffered returns the number of bytes waiting for more data.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Discarded returns how many times the buffer was dropped as corrupt.
func (r *Reassembler) Discarded() int {
	return r.discarded
}

// Reset clears the buffer, e.g. after the connection is re-established.
func (r *Reassembler) Reset() {
	r.buf = nil
}
