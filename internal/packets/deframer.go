package packets

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Deframer.Next when the buffered bytes do not
// yet contain a whole packet. It is not a failure: the caller should Feed
// more bytes (as they arrive off the wire, a WebSocket frame, a test
// fixture, whatever) and call Next again.
var ErrIncomplete = errors.New("packets: incomplete frame")

// Deframer turns a byte stream into MQTT packets without performing any I/O
// itself. It owns a growable buffer; callers Feed it bytes from wherever
// those bytes come from and pull decoded packets out with Next. This keeps
// the codec testable with plain byte slices and reusable over any transport
// (TCP, WebSocket, an in-memory pipe, a fuzzer) without a ReadPacket(io.Reader)
// coupling.
type Deframer struct {
	version           uint8
	maxIncomingPacket int
	buf               []byte
}

// NewDeframer creates a Deframer for the given protocol version. maxIncomingPacket
// bounds the accepted Remaining Length; 0 or a value above the MQTT spec
// maximum (268435455) falls back to the spec maximum.
func NewDeframer(version uint8, maxIncomingPacket int) *Deframer {
	const mqttSpecMax = 268435455
	if maxIncomingPacket <= 0 || maxIncomingPacket > mqttSpecMax {
		maxIncomingPacket = mqttSpecMax
	}
	return &Deframer{version: version, maxIncomingPacket: maxIncomingPacket}
}

// Feed appends data to the internal buffer. The caller may reuse data's
// backing array after Feed returns; Feed copies it.
func (d *Deframer) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next decodes and returns the next complete packet buffered so far.
// It returns ErrIncomplete (wrapped) if more bytes are needed, and any other
// error is a protocol violation the caller should treat as fatal for the
// connection. On success, the consumed bytes are dropped from the internal
// buffer so the next Next call starts at the following packet.
func (d *Deframer) Next() (Packet, error) {
	if len(d.buf) == 0 {
		return nil, ErrIncomplete
	}

	// Fixed header: 1 type/flags byte + a 1-4 byte Remaining Length VBI.
	if len(d.buf) < 2 {
		return nil, ErrIncomplete
	}

	remLen, vbiLen, err := decodeVarIntBuf(d.buf[1:])
	if err != nil {
		if len(d.buf) < 6 {
			// Could still be a valid VBI once more bytes arrive (binary.Uvarint
			// returns n==0 both for "too short" and for "malformed"; a VBI is
			// at most 4 bytes, so anything under that length is ambiguous).
			return nil, ErrIncomplete
		}
		return nil, fmt.Errorf("packets: malformed fixed header: %w", err)
	}

	if remLen > d.maxIncomingPacket {
		return nil, fmt.Errorf("packets: packet size %d exceeds maximum %d", remLen, d.maxIncomingPacket)
	}

	headerLen := 1 + vbiLen
	total := headerLen + remLen
	if len(d.buf) < total {
		return nil, ErrIncomplete
	}

	packetType := d.buf[0] >> 4
	flags := d.buf[0] & 0x0F
	header := &FixedHeader{PacketType: packetType, Flags: flags, RemainingLength: remLen}

	var body []byte
	if remLen > 0 {
		body = make([]byte, remLen)
		copy(body, d.buf[headerLen:total])
	}

	decoder, ok := packetDecoders[packetType]
	if !ok {
		return nil, fmt.Errorf("packets: unknown packet type: %d", packetType)
	}

	pkt, err := decoder(body, header, d.version)

	// Drop the consumed bytes regardless of decode success so a single bad
	// packet doesn't wedge the stream on retry.
	remaining := len(d.buf) - total
	if remaining > 0 {
		copy(d.buf, d.buf[total:])
	}
	d.buf = d.buf[:remaining]

	return pkt, err
}

// Buffered reports how many undecoded bytes are currently held.
func (d *Deframer) Buffered() int {
	return len(d.buf)
}
