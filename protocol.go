package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// HeaderSize is the number of bytes that precede a packet body on the wire: the packet size, the
// packet ID and the packet type, four bytes each.
const HeaderSize = 4 + 4 + 4

// WrapperSize is the cumulative size of non-body bytes that contribute to the packet size that
// precedes a binary packet. Eight bytes are accounted for by the packet ID and type, while one byte
// is accounted for by the null byte termination of the body. The packet size itself is not
// included in the size calculation.
const WrapperSize = 8 + 1

// PadSize is the number of trailing bytes a reader consumes and discards after the body of an
// inbound packet.
const PadSize = 1

const (
	// ConventionalMaxResponseBody is the body size servers conventionally stay within for a single
	// response packet. It is a suitable value for [ClientConfig.MaxResponseBody].
	ConventionalMaxResponseBody = 4096

	// ConventionalMaxRequestBody is the body size servers conventionally accept for a single request
	// packet. It is a suitable value for [ClientConfig.MaxRequestBody].
	ConventionalMaxRequestBody = 8192
)

// PacketType indicates the purpose of a [Packet].
type PacketType int32

const (
	// PacketTypeAuth represents a client authorization request packet. It indicates that the body
	// will contain the server password.
	PacketTypeAuth PacketType = 3

	// PacketTypeAuthResponse represents a server authorization response packet. If authorization
	// failed, the packet ID will differ from that of the matching client request packet,
	// conventionally with a value of -1.
	PacketTypeAuthResponse PacketType = 2

	// PacketTypeExecCommand represents a client request packet that contains a command to be executed
	// by the server. It shares its code with [PacketTypeAuthResponse].
	PacketTypeExecCommand PacketType = 2

	// PacketTypeResponseValue represents a server response packet that contains the output of a
	// server command initiated by a [PacketTypeExecCommand] client request packet.
	PacketTypeResponseValue PacketType = 0
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeAuth:
		return "AUTH"
	case PacketTypeExecCommand:
		return "EXECCOMMAND"
	case PacketTypeResponseValue:
		return "RESPONSE_VALUE"
	}
	return "PacketType(" + strconv.Itoa(int(t)) + ")"
}

// Packet is a singular RCON protocol packet, either as a request from a client or a response from
// a server.
type Packet struct {
	// ID is a field chosen by the client which can be used to correlate request packets with
	// response packets. The server echoes it back, except on authorization failure where the
	// response carries a different ID (conventionally -1).
	ID int32

	// Type indicates the purpose of the packet.
	Type PacketType

	// Body contains the password, the command to be executed, or the server's response to a
	// request. It is UTF-8 text with no embedded null bytes and may be empty.
	Body string
}

// Size returns the value of the size field that precedes the packet on the wire.
func (p Packet) Size() int32 {
	return int32(len(p.Body) + WrapperSize)
}

// Validate reports whether the packet body can be carried by the protocol.
func (p Packet) Validate() error {
	if strings.IndexByte(p.Body, 0) >= 0 || !utf8.ValidString(p.Body) {
		return ErrInvalidBody
	}
	return nil
}

// Encode returns the wire representation of the packet: the size, ID and type as little-endian
// 32-bit integers followed by the body and a single null terminator. The result is always
// len(p.Body)+13 bytes long.
func (p Packet) Encode() []byte {
	b := make([]byte, 0, HeaderSize+len(p.Body)+1)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Size()))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.ID))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Type))
	b = append(b, p.Body...)
	return append(b, 0)
}

// MarshalBinary encodes the receiving [Packet] into binary form and returns the result. This
// satisfies the [encoding.BinaryMarshaler] interface. Unlike [Packet.Encode] it refuses bodies
// that fail [Packet.Validate].
func (p Packet) MarshalBinary() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p.Encode(), nil
}

// WriteTo writes a binary representation of the packet to [io.Writer] w in a single Write call.
// This method satisfies the [io.WriterTo] interface.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Encode())
	return int64(n), err
}

// UnmarshalBinary decodes the binary encoded packet b into the receiving [Packet]. This satisfies
// the [encoding.BinaryUnmarshaler] interface. Bytes beyond the first packet are an error.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return &FramingError{Reason: "trailing bytes after packet", Length: p.Size()}
	}
	return nil
}

// ReadFrom reads a binary representation of a packet into the receiving [Packet] instance. No
// limit is placed on the body size; use [ReadPacket] for a bounded read. This method satisfies
// the [io.ReaderFrom] interface.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	packet, n, err := readPacket(r, 0)
	if err != nil {
		return n, err
	}
	*p = packet
	return n, nil
}

// ReadPacket reads exactly one packet from r. Short reads are retried until the size declared in
// the header has been consumed. When maxBody is greater than zero, a packet declaring a larger body
// is rejected before its body is read.
func ReadPacket(r io.Reader, maxBody int) (Packet, error) {
	p, _, err := readPacket(r, maxBody)
	return p, err
}

func readPacket(r io.Reader, maxBody int) (Packet, int64, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	read := int64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, read, &FramingError{Reason: "truncated header", Err: err}
		}
		return Packet{}, read, err
	}

	h := DecodeHeader(hdr)
	if err := h.check(maxBody); err != nil {
		return Packet{}, read, err
	}

	rest, err := readBody(r, h.BodyLength()+PadSize)
	read += int64(len(rest))
	if err != nil {
		return Packet{}, read, err
	}
	if len(rest) < h.BodyLength()+PadSize {
		return Packet{}, read, &FramingError{Reason: "truncated body", Length: h.Length, Err: io.ErrUnexpectedEOF}
	}
	if rest[len(rest)-1] != 0 {
		return Packet{}, read, &FramingError{Reason: "packet incorrectly terminated", Length: h.Length}
	}

	return Packet{
		ID:   h.ID,
		Type: h.Type,
		Body: DecodeBody(rest[:len(rest)-PadSize]),
	}, read, nil
}

// readBody reads up to size bytes from r. The buffer grows with the bytes actually received, so a
// peer declaring a huge length and then stopping costs only what it sent. A short read is reported
// through the length of the result, not as an error.
func readBody(r io.Reader, size int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(min(size, ConventionalMaxResponseBody+PadSize))
	_, err := io.CopyN(&buf, r, int64(size))
	if err != nil && !errors.Is(err, io.EOF) {
		return buf.Bytes(), err
	}
	return buf.Bytes(), nil
}

// Header holds the fixed-size fields that precede every packet body.
type Header struct {
	// Length is the declared number of bytes that follow the length field, minus the trailing pad
	// byte.
	Length int32
	ID     int32
	Type   PacketType
}

// DecodeHeader decodes the first [HeaderSize] bytes of a packet.
func DecodeHeader(b [HeaderSize]byte) Header {
	return Header{
		Length: int32(binary.LittleEndian.Uint32(b[0:4])),
		ID:     int32(binary.LittleEndian.Uint32(b[4:8])),
		Type:   PacketType(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// BodyLength returns the number of body bytes that follow the header, excluding the pad byte.
func (h Header) BodyLength() int {
	return int(h.Length) - WrapperSize
}

func (h Header) check(maxBody int) error {
	if h.Length < WrapperSize {
		return &FramingError{Reason: "packet too small", Length: h.Length}
	}
	if maxBody > 0 && h.BodyLength() > maxBody {
		return &FramingError{Reason: "packet too large", Length: h.Length}
	}
	return nil
}

// DecodeBody interprets raw body bytes as text. Trailing null bytes are dropped, so peers that
// terminate the body and then pad it decode to the same text as peers that do not.
func DecodeBody(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// Equal determines if the provided Packet content matches the receiving Packet content.
func (p Packet) Equal(p2 Packet) bool {
	return p.ID == p2.ID && p.Type == p2.Type && p.Body == p2.Body
}
