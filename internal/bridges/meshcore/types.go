package meshcore

// RouteType is the 2-bit routing mode carried in the low bits of the header byte.
type RouteType uint8

// Route types.
const (
	RouteTransportFlood  RouteType = 0x0
	RouteFlood           RouteType = 0x1
	RouteDirect          RouteType = 0x2
	RouteTransportDirect RouteType = 0x3
)

// String returns the route type name.
func (r RouteType) String() string {
	switch r {
	case RouteTransportFlood:
		return "TRANSPORT_FLOOD"
	case RouteFlood:
		return "FLOOD"
	case RouteDirect:
		return "DIRECT"
	case RouteTransportDirect:
		return "TRANSPORT_DIRECT"
	default:
		return "UNKNOWN"
	}
}

// PayloadType is the 4-bit payload kind carried in bits 2-5 of the header byte.
type PayloadType uint8

// Payload types. Values 0x0A-0x0E are unassigned.
const (
	PayloadRequest     PayloadType = 0x00
	PayloadResponse    PayloadType = 0x01
	PayloadTextMessage PayloadType = 0x02
	PayloadAck         PayloadType = 0x03
	PayloadAdvert      PayloadType = 0x04
	PayloadGroupText   PayloadType = 0x05
	PayloadGroupData   PayloadType = 0x06
	PayloadAnonRequest PayloadType = 0x07
	PayloadPath        PayloadType = 0x08
	PayloadTrace       PayloadType = 0x09
	PayloadCustom      PayloadType = 0x0F
)

var payloadTypeNames = map[PayloadType]string{
	PayloadRequest:     "REQUEST",
	PayloadResponse:    "RESPONSE",
	PayloadTextMessage: "TEXT_MESSAGE",
	PayloadAck:         "ACK",
	PayloadAdvert:      "ADVERT",
	PayloadGroupText:   "GROUP_TEXT",
	PayloadGroupData:   "GROUP_DATA",
	PayloadAnonRequest: "ANON_REQUEST",
	PayloadPath:        "PATH",
	PayloadTrace:       "TRACE",
	PayloadCustom:      "CUSTOM",
}

// String returns the payload type name, or UNKNOWN for unassigned values.
func (p PayloadType) String() string {
	if name, ok := payloadTypeNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// PayloadVersion is the 2-bit payload format version in the top bits of the header byte.
// Wire value 0 is version 1.
type PayloadVersion uint8

// Payload versions.
const (
	PayloadVersion1 PayloadVersion = 0x0
	PayloadVersion2 PayloadVersion = 0x1
	PayloadVersion3 PayloadVersion = 0x2
	PayloadVersion4 PayloadVersion = 0x3
)

// DeviceRole is the node role announced in an advert's flags byte.
type DeviceRole uint8

// Device roles. These are integer values in the low nibble of the flags
// byte, not independent bits.
const (
	RoleCompanion  DeviceRole = 0x1
	RoleRepeater   DeviceRole = 0x2
	RoleRoomServer DeviceRole = 0x3
)

// roleOrder is the precedence used when matching the flags byte: first match wins.
var roleOrder = []DeviceRole{RoleCompanion, RoleRepeater, RoleRoomServer}

// String returns the role name as published in the "mode" field.
func (r DeviceRole) String() string {
	switch r {
	case RoleCompanion:
		return "COMPANION"
	case RoleRepeater:
		return "REPEATER"
	case RoleRoomServer:
		return "ROOM_SERVER"
	default:
		return "UNKNOWN"
	}
}

// Advert flag bits. The feature bits (0x20, 0x40) are not decoded.
const (
	advertRoleMask    byte = 0x0F
	advertHasLocation byte = 0x10
	advertHasName     byte = 0x80
)
