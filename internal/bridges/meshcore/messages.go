package meshcore

import (
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Message field values.
const (
	// StatusOnline is published, retained, when a broker connects.
	StatusOnline = "online"

	// StatusOffline is published on shutdown and used as the LWT.
	StatusOffline = "offline"

	typeRaw    = "RAW"
	typePacket = "PACKET"
	typeDebug  = "DEBUG"

	// unknownValue stands in for device metadata that could not be read.
	unknownValue = "unknown"

	// TimestampLayout is the message timestamp format: local time with
	// microseconds and no zone.
	TimestampLayout = "2006-01-02T15:04:05.000000"
)

// Console line markers.
const (
	rawLineMarker    = "U RAW:"
	debugLinePrefix  = "DEBUG"
	directRouteToken = "D"
)

// packetLinePattern matches the RX/TX summary the firmware prints after each
// RAW line, e.g.
//
//	12:00:01 - 21/6/2025 U: RX, len=125 (type=4, route=F, payload_len=120) SNR=12 RSSI=-45 score=1000 time=1234 hash=0A1B2C3D
//
// Groups: 1 time, 2 date, 3 direction, 4 len, 5 type, 6 route, 7 payload
// len, 8 SNR, 9 RSSI, 10 score, 12 duration, 13 hash, 14 path.
var packetLinePattern = regexp.MustCompile(
	`^(\d{2}:\d{2}:\d{2}) - (\d{1,2}/\d{1,2}/\d{4}) U: (RX|TX), len=(\d+) \(type=(\d+), route=([A-Z]), payload_len=(\d+)\)` +
		`(?: SNR=(-?\d+) RSSI=(-?\d+) score=(\d+)( time=(\d+))? hash=([0-9A-F]+)(?: \[(.*)\])?)?`)

// Envelope holds the fields every published message starts with.
type Envelope struct {
	Origin    string `json:"origin"`
	OriginID  string `json:"origin_id"`
	Timestamp string `json:"timestamp"`
}

func newEnvelope(id Identity, now time.Time) Envelope {
	return Envelope{
		Origin:    id.Name,
		OriginID:  id.PublicKey,
		Timestamp: now.Format(TimestampLayout),
	}
}

// StatusMessage is published, retained, to the status topic.
type StatusMessage struct {
	Status          string `json:"status"`
	Timestamp       string `json:"timestamp"`
	Origin          string `json:"origin"`
	OriginID        string `json:"origin_id"`
	Radio           string `json:"radio"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	ClientVersion   string `json:"client_version"`
}

// NewStatusMessage builds a status message. Missing metadata is "unknown".
func NewStatusMessage(status string, id Identity, clientVersion string, now time.Time) StatusMessage {
	return StatusMessage{
		Status:          status,
		Timestamp:       now.Format(TimestampLayout),
		Origin:          id.Name,
		OriginID:        id.PublicKey,
		Radio:           orUnknown(id.Radio),
		Model:           orUnknown(id.Model),
		FirmwareVersion: orUnknown(id.FirmwareVersion),
		ClientVersion:   clientVersion,
	}
}

// DecodedMessage is a decoded frame as published to the decoded topic.
//
// Advert fields are flattened into the message and omitted when unset;
// other payload types carry the payload as hex.
type DecodedMessage struct {
	Envelope
	PayloadType    int      `json:"payload_type"`
	PayloadVersion int      `json:"payload_version"`
	RouteType      int      `json:"route_type"`
	Path           []string `json:"path"`
	Advertisement
	Payload string `json:"payload,omitempty"`
}

// NewDecodedMessage builds the decoded message for pkt.
func NewDecodedMessage(pkt *Packet, id Identity, now time.Time) DecodedMessage {
	msg := DecodedMessage{
		Envelope:       newEnvelope(id, now),
		PayloadType:    int(pkt.Header.PayloadType),
		PayloadVersion: int(pkt.Header.PayloadVersion),
		RouteType:      int(pkt.Header.RouteType),
		Path:           pkt.Path,
	}
	if msg.Path == nil {
		msg.Path = []string{}
	}
	if pkt.Advert != nil {
		msg.Advertisement = *pkt.Advert
	} else if len(pkt.Payload) > 0 {
		msg.Payload = hex.EncodeToString(pkt.Payload)
	}
	return msg
}

// RawMessage carries a RAW line's hex frame unchanged.
type RawMessage struct {
	Envelope
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewRawMessage builds a raw message.
func NewRawMessage(data string, id Identity, now time.Time) RawMessage {
	return RawMessage{Envelope: newEnvelope(id, now), Type: typeRaw, Data: data}
}

// DebugMessage carries a firmware DEBUG line.
type DebugMessage struct {
	Envelope
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewDebugMessage builds a debug message.
func NewDebugMessage(line string, id Identity, now time.Time) DebugMessage {
	return DebugMessage{Envelope: newEnvelope(id, now), Type: typeDebug, Message: line}
}

// PacketMessage is an RX/TX summary line with the preceding RAW frame attached.
// Numeric fields keep the text printed by the firmware.
type PacketMessage struct {
	Envelope
	Type       string `json:"type"`
	Direction  string `json:"direction"`
	Time       string `json:"time"`
	Date       string `json:"date"`
	Len        string `json:"len"`
	PacketType string `json:"packet_type"`
	Route      string `json:"route"`
	PayloadLen string `json:"payload_len"`
	Raw        string `json:"raw"`

	// RX only.
	SNR      *string `json:"SNR,omitempty"`
	RSSI     *string `json:"RSSI,omitempty"`
	Score    *string `json:"score,omitempty"`
	Duration *string `json:"duration,omitempty"`
	Hash     *string `json:"hash,omitempty"`
	Path     *string `json:"path,omitempty"`
}

// ParsePacketLine parses an RX/TX summary line. raw is the last RAW frame
// seen, attached to the message.
func ParsePacketLine(line, raw string, id Identity, now time.Time) (PacketMessage, bool) {
	m := packetLinePattern.FindStringSubmatch(line)
	if m == nil {
		return PacketMessage{}, false
	}

	direction := strings.ToLower(m[3])
	msg := PacketMessage{
		Envelope:   newEnvelope(id, now),
		Type:       typePacket,
		Direction:  direction,
		Time:       m[1],
		Date:       m[2],
		Len:        m[4],
		PacketType: m[5],
		Route:      m[6],
		PayloadLen: m[7],
		Raw:        raw,
	}

	if direction == "rx" {
		msg.SNR = optional(m[8])
		msg.RSSI = optional(m[9])
		msg.Score = optional(m[10])
		msg.Duration = optional(m[12])
		msg.Hash = optional(m[13])
		if m[6] == directRouteToken && m[14] != "" {
			msg.Path = optional(m[14])
		}
	}
	return msg, true
}

// rawFrame returns the hex after "U RAW:" in a console line.
func rawFrame(line string) (string, bool) {
	_, after, ok := strings.Cut(line, rawLineMarker)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(after), true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orUnknown(s string) string {
	if s == "" {
		return unknownValue
	}
	return s
}
