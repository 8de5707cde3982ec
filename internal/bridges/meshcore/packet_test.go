package meshcore

import (
	"errors"
	"testing"
)

// cisienAdvertHex is a flood-routed companion advert with location and name.
const cisienAdvertHex = "1100" +
	"106A641F287C36E515FDA4B8059B0E7AF4A1B4055FFD64D898FB4D90E76C633D" +
	"25105668" +
	"F9AAD5F909151B34CA44FF4B7C109B062E53542267A25074785E7C51CBF653E0" +
	"B5B38DEDCB293B09184CDEB03A0BDA2C6B741CF94D20FA641A41402F8E5C890C" +
	"91" +
	"EC62D802" + "77E6BAF8" +
	"F09F91BD43697369656E21"

// cisienOneHopHex is the same advert relayed through hop c5.
const cisienOneHopHex = "1101C5" + "106A641F287C36E515FDA4B8059B0E7AF4A1B4055FFD64D898FB4D90E76C633D" +
	"25105668" +
	"F9AAD5F909151B34CA44FF4B7C109B062E53542267A25074785E7C51CBF653E0" +
	"B5B38DEDCB293B09184CDEB03A0BDA2C6B741CF94D20FA641A41402F8E5C890C" +
	"91" +
	"EC62D802" + "77E6BAF8" +
	"F09F91BD43697369656E21"

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want Header
	}{
		{
			name: "flood advert v1",
			b:    0x11,
			want: Header{RouteType: RouteFlood, PayloadType: PayloadAdvert, PayloadVersion: PayloadVersion1},
		},
		{
			name: "direct text message v1",
			b:    0x0A,
			want: Header{RouteType: RouteDirect, PayloadType: PayloadTextMessage, PayloadVersion: PayloadVersion1},
		},
		{
			name: "transport direct custom v4",
			b:    0xFF,
			want: Header{RouteType: RouteTransportDirect, PayloadType: PayloadCustom, PayloadVersion: PayloadVersion4},
		},
		{
			name: "all zero",
			b:    0x00,
			want: Header{RouteType: RouteTransportFlood, PayloadType: PayloadRequest, PayloadVersion: PayloadVersion1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseHeader(tt.b)
			if got != tt.want {
				t.Errorf("ParseHeader(0x%02X) = %+v, want %+v", tt.b, got, tt.want)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	for i := 0; i <= 0xFF; i++ {
		b := byte(i)
		h := ParseHeader(b)
		if h.RouteType > 3 || h.PayloadType > 15 || h.PayloadVersion > 3 {
			t.Fatalf("ParseHeader(0x%02X) = %+v, field out of range", b, h)
		}
		if got := h.Byte(); got != b {
			t.Errorf("ParseHeader(0x%02X).Byte() = 0x%02X", b, got)
		}
	}
}

// ============================================================================
// Decode
// ============================================================================

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "", wantErr: ErrFrameTooShort},
		{name: "single byte", input: "11", wantErr: ErrFrameTooShort},
		{name: "odd length", input: "110", wantErr: ErrInvalidHex},
		{name: "not hex", input: "zz00", wantErr: ErrInvalidHex},
		{name: "path overruns frame", input: "1105C5", wantErr: ErrPathOverrun},
		{name: "path of one with no bytes", input: "1101", wantErr: ErrPathOverrun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, ok := Decode(tt.input)
			if ok || pkt != nil {
				t.Errorf("Decode(%q) = %v, %v, want nil, false", tt.input, pkt, ok)
			}

			_, err := DecodeHex(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeHex(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestDecode_MinimalFrame(t *testing.T) {
	pkt, ok := Decode("0A00")
	if !ok {
		t.Fatal("Decode(0A00) failed")
	}
	if len(pkt.Path) != 0 {
		t.Errorf("Path = %v, want empty", pkt.Path)
	}
	if len(pkt.Payload) != 0 {
		t.Errorf("Payload = %x, want empty", pkt.Payload)
	}
	if pkt.Advert != nil {
		t.Error("Advert should be nil for a text message")
	}
}

func TestDecode_WhitespaceAndCase(t *testing.T) {
	upper, ok := Decode("  0A02AABBCCDD\r\n")
	if !ok {
		t.Fatal("Decode with surrounding whitespace failed")
	}
	lower, ok := Decode("0a02aabbccdd")
	if !ok {
		t.Fatal("Decode lowercase failed")
	}

	want := []string{"aa", "bb"}
	for i, hop := range want {
		if upper.Path[i] != hop || lower.Path[i] != hop {
			t.Errorf("Path[%d] = %q / %q, want %q", i, upper.Path[i], lower.Path[i], hop)
		}
	}
	if string(upper.Payload) != string(lower.Payload) {
		t.Errorf("Payload differs by case: %x vs %x", upper.Payload, lower.Payload)
	}
}

func TestDecode_OpaquePayload(t *testing.T) {
	// Group text, direct route, one hop.
	pkt, ok := Decode("1601AB0102030405")
	if !ok {
		t.Fatal("Decode failed")
	}
	if pkt.Header.PayloadType != PayloadGroupText {
		t.Errorf("PayloadType = %s, want GROUP_TEXT", pkt.Header.PayloadType)
	}
	if pkt.Header.RouteType != RouteDirect {
		t.Errorf("RouteType = %s, want DIRECT", pkt.Header.RouteType)
	}
	if len(pkt.Path) != 1 || pkt.Path[0] != "ab" {
		t.Errorf("Path = %v, want [ab]", pkt.Path)
	}
	if want := []byte{1, 2, 3, 4, 5}; string(pkt.Payload) != string(want) {
		t.Errorf("Payload = %x, want %x", pkt.Payload, want)
	}
	if pkt.Advert != nil {
		t.Error("Advert should be nil for group text")
	}
}

func TestDecode_CisienAdvert(t *testing.T) {
	pkt, ok := Decode(cisienAdvertHex)
	if !ok {
		t.Fatal("Decode failed")
	}

	if pkt.Header.RouteType != RouteFlood {
		t.Errorf("RouteType = %s, want FLOOD", pkt.Header.RouteType)
	}
	if pkt.Header.PayloadType != PayloadAdvert {
		t.Errorf("PayloadType = %s, want ADVERT", pkt.Header.PayloadType)
	}
	if pkt.Header.PayloadVersion != PayloadVersion1 {
		t.Errorf("PayloadVersion = %d, want 0", pkt.Header.PayloadVersion)
	}
	if len(pkt.Path) != 0 {
		t.Errorf("Path = %v, want empty", pkt.Path)
	}
	if len(pkt.Payload) != 120 {
		t.Errorf("len(Payload) = %d, want 120", len(pkt.Payload))
	}
	if pkt.Advert == nil {
		t.Fatal("Advert is nil")
	}
	assertCisienAdvert(t, *pkt.Advert)
}

func TestDecode_OneHopShift(t *testing.T) {
	flood, ok := Decode(cisienAdvertHex)
	if !ok {
		t.Fatal("Decode flood failed")
	}
	relayed, ok := Decode(cisienOneHopHex)
	if !ok {
		t.Fatal("Decode relayed failed")
	}

	if len(relayed.Path) != 1 || relayed.Path[0] != "c5" {
		t.Errorf("Path = %v, want [c5]", relayed.Path)
	}
	if string(relayed.Payload) != string(flood.Payload) {
		t.Error("payload should start after the path")
	}
	assertCisienAdvert(t, *relayed.Advert)
}

func TestPacketString(t *testing.T) {
	pkt, _ := Decode(cisienOneHopHex)
	want := "Packet{route:FLOOD, type:ADVERT, ver:0, hops:1, payload:120B}"
	if got := pkt.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
