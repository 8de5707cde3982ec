package meshcore

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 21, 1, 51, 33, 123456000, time.Local)

func testIdentity() Identity {
	return Identity{
		Name:            "test-node",
		PublicKey:       "AABBCCDD",
		Radio:           "910.525,62.5,7,5",
		FirmwareVersion: "v1.7.1",
		Model:           "Heltec V3",
	}
}

// decodeJSON marshals v and decodes it into a generic map.
func decodeJSON(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return m
}

func TestNewStatusMessage(t *testing.T) {
	m := decodeJSON(t, NewStatusMessage(StatusOnline, testIdentity(), "meshbridge/1.0.0", testNow))

	want := map[string]any{
		"status":           "online",
		"timestamp":        "2025-06-21T01:51:33.123456",
		"origin":           "test-node",
		"origin_id":        "AABBCCDD",
		"radio":            "910.525,62.5,7,5",
		"model":            "Heltec V3",
		"firmware_version": "v1.7.1",
		"client_version":   "meshbridge/1.0.0",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}
}

func TestNewStatusMessage_UnknownMetadata(t *testing.T) {
	id := Identity{Name: "n", PublicKey: "AA"}
	msg := NewStatusMessage(StatusOffline, id, "v", testNow)

	if msg.Radio != "unknown" || msg.Model != "unknown" || msg.FirmwareVersion != "unknown" {
		t.Errorf("metadata = %q/%q/%q, want unknown", msg.Radio, msg.Model, msg.FirmwareVersion)
	}
}

func TestNewDecodedMessage_Advert(t *testing.T) {
	pkt, ok := Decode(cisienOneHopHex)
	if !ok {
		t.Fatal("Decode() failed")
	}
	m := decodeJSON(t, NewDecodedMessage(pkt, testIdentity(), testNow))

	if m["payload_type"] != float64(4) || m["route_type"] != float64(1) || m["payload_version"] != float64(0) {
		t.Errorf("header = %v/%v/%v", m["payload_type"], m["route_type"], m["payload_version"])
	}
	path, _ := m["path"].([]any)
	if len(path) != 1 || path[0] != "c5" {
		t.Errorf("path = %v, want [c5]", m["path"])
	}
	if m["mode"] != "COMPANION" || m["name"] != "👽Cisien!" || m["lat"] != 47.74 {
		t.Errorf("advert fields = %v/%v/%v", m["mode"], m["name"], m["lat"])
	}
	if _, ok := m["payload"]; ok {
		t.Error("advert message should not carry raw payload")
	}
	if m["origin_id"] != "AABBCCDD" || m["timestamp"] != "2025-06-21T01:51:33.123456" {
		t.Errorf("envelope = %v/%v", m["origin_id"], m["timestamp"])
	}
}

func TestNewDecodedMessage_OpaquePayload(t *testing.T) {
	// Flood text message, no path, 3-byte payload.
	pkt, ok := Decode("0900ABCDEF")
	if !ok {
		t.Fatal("Decode() failed")
	}
	m := decodeJSON(t, NewDecodedMessage(pkt, testIdentity(), testNow))

	if m["payload"] != "abcdef" {
		t.Errorf("payload = %v, want abcdef", m["payload"])
	}
	path, ok := m["path"].([]any)
	if !ok || len(path) != 0 {
		t.Errorf("path = %#v, want empty array", m["path"])
	}
	for _, k := range []string{"public_key", "advert_time", "signature", "mode", "lat", "lon", "name"} {
		if _, ok := m[k]; ok {
			t.Errorf("key %q present on non-advert message", k)
		}
	}
}

func TestNewRawAndDebugMessages(t *testing.T) {
	raw := decodeJSON(t, NewRawMessage("1100AB", testIdentity(), testNow))
	if raw["type"] != "RAW" || raw["data"] != "1100AB" {
		t.Errorf("raw = %v", raw)
	}

	dbg := decodeJSON(t, NewDebugMessage("DEBUG: radio idle", testIdentity(), testNow))
	if dbg["type"] != "DEBUG" || dbg["message"] != "DEBUG: radio idle" {
		t.Errorf("debug = %v", dbg)
	}
}

func TestParsePacketLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		want   map[string]any
		absent []string
	}{
		{
			name:   "rx flood",
			line:   "12:00:01 - 21/6/2025 U: RX, len=125 (type=4, route=F, payload_len=120) SNR=12 RSSI=-45 score=1000 time=1234 hash=0A1B2C3D",
			wantOK: true,
			want: map[string]any{
				"type": "PACKET", "direction": "rx", "time": "12:00:01", "date": "21/6/2025",
				"len": "125", "packet_type": "4", "route": "F", "payload_len": "120",
				"SNR": "12", "RSSI": "-45", "score": "1000", "duration": "1234", "hash": "0A1B2C3D",
				"raw": "1100AB",
			},
			absent: []string{"path"},
		},
		{
			name:   "rx direct with path",
			line:   "09:15:00 - 1/7/2025 U: RX, len=40 (type=2, route=D, payload_len=36) SNR=-3 RSSI=-101 score=250 hash=FFEE0011 [C5 -> A2]",
			wantOK: true,
			want: map[string]any{
				"direction": "rx", "route": "D", "SNR": "-3", "path": "C5 -> A2",
			},
			absent: []string{"duration"},
		},
		{
			name:   "tx has no signal fields",
			line:   "12:00:02 - 21/6/2025 U: TX, len=30 (type=5, route=F, payload_len=28)",
			wantOK: true,
			want:   map[string]any{"direction": "tx", "packet_type": "5"},
			absent: []string{"SNR", "RSSI", "score", "duration", "hash", "path"},
		},
		{
			name:   "raw line",
			line:   "12:00:01 - 21/6/2025 U RAW: 1100AB",
			wantOK: false,
		},
		{
			name:   "other output",
			line:   "Unknown command",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParsePacketLine(tt.line, "1100AB", testIdentity(), testNow)
			if ok != tt.wantOK {
				t.Fatalf("ParsePacketLine() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			m := decodeJSON(t, msg)
			for k, v := range tt.want {
				if m[k] != v {
					t.Errorf("%s = %v, want %v", k, m[k], v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := m[k]; ok {
					t.Errorf("key %q should be absent, got %v", k, m[k])
				}
			}
		})
	}
}

func TestRawFrame(t *testing.T) {
	got, ok := rawFrame("12:00:01 - 21/6/2025 U RAW: 1100AB  ")
	if !ok || got != "1100AB" {
		t.Errorf("rawFrame() = %q, %v", got, ok)
	}
	if _, ok := rawFrame("12:00:01 - 21/6/2025 U: TX"); ok {
		t.Error("rawFrame() matched a non-RAW line")
	}
}

func TestTimestampLayout(t *testing.T) {
	ts := testNow.Format(TimestampLayout)
	if strings.ContainsAny(ts, "Z+") || len(ts) != len("2025-06-21T01:51:33.123456") {
		t.Errorf("timestamp %q is not a zone-less microsecond timestamp", ts)
	}
}
