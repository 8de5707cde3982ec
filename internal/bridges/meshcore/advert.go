package meshcore

import (
	"encoding/binary"
	"encoding/hex"
	"math"
)

// Advert payload offsets.
const (
	advertPubKeyEnd    = 32
	advertTimeEnd      = 36
	advertSignatureEnd = 100
	advertFlagsOffset  = 100

	// advertMinSize is the smallest payload that carries the flags byte.
	advertMinSize = advertFlagsOffset + 1

	advertLocationSize = 8

	// coordDivisor converts the wire micro-degrees to degrees.
	coordDivisor = 1_000_000
)

// Advertisement holds the fields decoded from an Advert payload.
//
// Every field is optional and tagged omitempty: a payload too short to
// carry the flags byte produces the zero value, which serialises to no
// advert keys at all rather than nulls. Consumers test for key absence.
type Advertisement struct {
	PublicKey  string   `json:"public_key,omitempty"`
	AdvertTime *uint32  `json:"advert_time,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	Name       *string  `json:"name,omitempty"`
}

// HasLocation reports whether both coordinates were decoded.
func (a Advertisement) HasLocation() bool {
	return a.Lat != nil && a.Lon != nil
}

// ParseAdvert decodes an Advert payload.
//
// Payload layout:
//
//	[0,32)   public key
//	[32,36)  advert time, little-endian uint32 (unix seconds)
//	[36,100) signature
//	[100]    flags: role in the low nibble, 0x10 location, 0x80 name
//	then     lat/lon as little-endian int32 micro-degrees (if 0x10)
//	then     name, UTF-8 to end of payload (if 0x80)
//
// Payloads shorter than 101 bytes yield an empty Advertisement.
func ParseAdvert(payload []byte) Advertisement {
	var a Advertisement
	if len(payload) < advertMinSize {
		return a
	}

	a.PublicKey = hex.EncodeToString(payload[:advertPubKeyEnd])
	advertTime := binary.LittleEndian.Uint32(payload[advertPubKeyEnd:advertTimeEnd])
	a.AdvertTime = &advertTime
	a.Signature = hex.EncodeToString(payload[advertTimeEnd:advertSignatureEnd])

	flags := payload[advertFlagsOffset]
	if role, ok := matchRole(flags); ok {
		a.Mode = role.String()
	}

	offset := advertMinSize
	if flags&advertHasLocation != 0 && len(payload) >= offset+advertLocationSize {
		lat := decodeCoord(payload[offset : offset+4])
		lon := decodeCoord(payload[offset+4 : offset+advertLocationSize])
		a.Lat = &lat
		a.Lon = &lon
		offset += advertLocationSize
	}

	if flags&advertHasName != 0 && offset <= len(payload) {
		name := string(payload[offset:])
		a.Name = &name
	}

	return a
}

// matchRole returns the first role, in Companion, Repeater, RoomServer
// order, equal to the low nibble of the flags byte.
func matchRole(flags byte) (DeviceRole, bool) {
	value := DeviceRole(flags & advertRoleMask)
	for _, role := range roleOrder {
		if value == role {
			return role, true
		}
	}
	return 0, false
}

// decodeCoord converts 4 little-endian bytes of signed micro-degrees to
// degrees rounded to two decimals.
func decodeCoord(b []byte) float64 {
	micro := int32(binary.LittleEndian.Uint32(b)) //nolint:gosec // reinterpreting the wire bits as signed
	return math.Round(float64(micro)/coordDivisor*100) / 100
}
