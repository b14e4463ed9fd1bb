package serialmux

import (
	"bytes"

	"github.com/williamyang98/QuaternionIMU/internal/cobs"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
)

// Reframer reassembles COBS frames from arbitrarily chunked reads. The packet
// sequence it produces does not depend on how the stream was split into chunks.
// Bytes are held until a delimiter arrives, however long the frame.
type Reframer struct {
	buf []byte
}

// Feed appends chunk to the pending bytes and returns every packet completed
// by it, in stream order, along with any framing errors. Empty frames are
// skipped.
func (r *Reframer) Feed(chunk []byte) (packets []protocol.Packet, errs []error) {
	r.buf = append(r.buf, chunk...)

	start := 0
	for {
		idx := bytes.IndexByte(r.buf[start:], cobs.Delimiter)
		if idx < 0 {
			break
		}
		end := start + idx + 1
		payload, err := cobs.Decode(r.buf[start:end])
		start = end
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pkt, ok := protocol.Split(payload); ok {
			packets = append(packets, pkt)
		}
	}

	r.buf = append(r.buf[:0], r.buf[start:]...)
	return packets, errs
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (r *Reframer) Pending() int {
	return len(r.buf)
}

// Reset drops any partial frame.
func (r *Reframer) Reset() {
	r.buf = r.buf[:0]
}
