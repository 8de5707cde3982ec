package meshcore

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame layout constants.
const (
	// headerSize is the header byte plus the path length byte.
	headerSize = 2

	routeTypeMask       = 0x03
	payloadTypeShift    = 2
	payloadTypeMask     = 0x0F
	payloadVersionShift = 6
	payloadVersionMask  = 0x03
)

// Header holds the three fields packed into the first frame byte.
type Header struct {
	RouteType      RouteType
	PayloadType    PayloadType
	PayloadVersion PayloadVersion
}

// ParseHeader unpacks a header byte.
//
//	bits 0-1: route type
//	bits 2-5: payload type
//	bits 6-7: payload version
func ParseHeader(b byte) Header {
	return Header{
		RouteType:      RouteType(b & routeTypeMask),
		PayloadType:    PayloadType((b >> payloadTypeShift) & payloadTypeMask),
		PayloadVersion: PayloadVersion((b >> payloadVersionShift) & payloadVersionMask),
	}
}

// Byte packs the header back into its wire form.
func (h Header) Byte() byte {
	return byte(h.PayloadVersion&payloadVersionMask)<<payloadVersionShift |
		byte(h.PayloadType&payloadTypeMask)<<payloadTypeShift |
		byte(h.RouteType&routeTypeMask)
}

// Packet is one decoded mesh frame.
//
// Path holds the hop tokens as two lowercase hex characters each.
// Advert is set only for PayloadAdvert frames; Payload always holds the
// raw bytes after the path.
type Packet struct {
	Header  Header
	Path    []string
	Payload []byte
	Advert  *Advertisement
}

// IsAdvert reports whether the packet carries an advertisement.
func (p *Packet) IsAdvert() bool {
	return p.Header.PayloadType == PayloadAdvert
}

// String returns a short human-readable description for logs.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{route:%s, type:%s, ver:%d, hops:%d, payload:%dB}",
		p.Header.RouteType, p.Header.PayloadType, p.Header.PayloadVersion, len(p.Path), len(p.Payload))
}

// ParsePacket decodes a raw frame.
//
// Frame layout:
//
//	Byte 0:        header (see ParseHeader)
//	Byte 1:        path length N
//	Byte 2..2+N:   path, one byte per hop
//	Byte 2+N..end: payload
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrFrameTooShort, len(data), headerSize)
	}

	pathLen := int(data[1])
	if headerSize+pathLen > len(data) {
		return nil, fmt.Errorf("%w: path length %d, only %d bytes remain",
			ErrPathOverrun, pathLen, len(data)-headerSize)
	}

	path := make([]string, pathLen)
	for i := range pathLen {
		path[i] = hex.EncodeToString(data[headerSize+i : headerSize+i+1])
	}

	payload := make([]byte, len(data)-headerSize-pathLen)
	copy(payload, data[headerSize+pathLen:])

	pkt := &Packet{
		Header:  ParseHeader(data[0]),
		Path:    path,
		Payload: payload,
	}
	if pkt.IsAdvert() {
		advert := ParseAdvert(payload)
		pkt.Advert = &advert
	}
	return pkt, nil
}

// DecodeHex decodes a hex-encoded frame as printed by the device console.
// Surrounding whitespace is ignored; case does not matter.
func DecodeHex(s string) (*Packet, error) {
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHex, err)
	}
	return ParsePacket(data)
}

// Decode is DecodeHex for callers that only care whether a packet was produced.
// Malformed input yields (nil, false).
func Decode(s string) (*Packet, bool) {
	pkt, err := DecodeHex(s)
	if err != nil {
		return nil, false
	}
	return pkt, true
}
