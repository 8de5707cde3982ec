package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/meshcore-bridge/internal/bridges/meshcore"
)

// dialFeed starts the router on a test server and connects a WebSocket
// client to the live feed.
func dialFeed(t *testing.T, f *serverFixture, query string) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	waitFor(t, func() bool { return f.srv.hub.ClientCount() == 1 })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestWebSocket_SummaryFeed(t *testing.T) {
	f := testServer(t, false)
	conn := dialFeed(t, f, "?channels=summaries")

	snr := "12"
	f.srv.Hub().ObserveSummary(meshcore.PacketMessage{
		Envelope:   meshcore.Envelope{Origin: "Observer", OriginID: "AABBCCDD"},
		Type:       "PACKET",
		Direction:  "rx",
		PacketType: "4",
		SNR:        &snr,
	}, time.Now())

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelSummaries {
		t.Fatalf("message = %+v", msg)
	}
	payload := msg.Payload.(map[string]any)
	if payload["direction"] != "rx" || payload["SNR"] != "12" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_SubscribeThenPacket(t *testing.T) {
	f := testServer(t, false)
	conn := dialFeed(t, f, "")

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelPackets}},
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	resp := readWS(t, conn)
	if resp.Type != WSTypeResponse || resp.ID != "1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	pkt, err := meshcore.DecodeHex("0900ABCDEF")
	if err != nil {
		t.Fatalf("DecodeHex: %v", err)
	}
	f.srv.Hub().ObservePacket("AABBCCDD", pkt, time.Now())

	msg := readWS(t, conn)
	if msg.EventType != ChannelPackets {
		t.Fatalf("event_type = %q, want packets", msg.EventType)
	}
	payload := msg.Payload.(map[string]any)
	if payload["origin_id"] != "AABBCCDD" || payload["payload"] != "abcdef" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_UnsubscribedChannelSkipped(t *testing.T) {
	f := testServer(t, false)
	conn := dialFeed(t, f, "?channels=packets")

	f.srv.Hub().ObserveSummary(meshcore.PacketMessage{Type: "PACKET"}, time.Now())

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	// The pong is the first thing received; the summary was never sent.
	if msg := readWS(t, conn); msg.Type != WSTypePong || msg.ID != "p" {
		t.Errorf("message = %+v, want pong", msg)
	}
}

func TestWebSocket_InvalidMessages(t *testing.T) {
	f := testServer(t, false)
	conn := dialFeed(t, f, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError {
		t.Errorf("message = %+v, want error", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "shout", ID: "x"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError || msg.ID != "x" {
		t.Errorf("message = %+v, want error for x", msg)
	}
}

func TestWebSocket_UnknownChannel(t *testing.T) {
	f := testServer(t, false)
	conn := dialFeed(t, f, "?channels=bogus")

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "2",
		Payload: WSSubscribePayload{Channels: []string{"bogus"}},
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != WSTypeError || msg.ID != "2" {
		t.Fatalf("message = %+v, want error for 2", msg)
	}

	f.srv.Hub().Broadcast("bogus", map[string]string{"a": "b"})
	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypePong {
		t.Errorf("message = %+v, want pong", msg)
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	f := testServer(t, false)
	conn := dialFeed(t, f, "?channels=packets")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.srv.Hub().Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if n := f.srv.Hub().ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d, want 0", n)
	}
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after hub shutdown")
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(testAPIConfig().WebSocket, testLogger())
	hub.Broadcast(ChannelPackets, map[string]string{"a": "b"})
	if hub.ClientCount() != 0 {
		t.Error("unexpected clients")
	}
}
