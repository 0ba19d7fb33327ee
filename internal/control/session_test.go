package control

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func TestInitAssignsClientID(t *testing.T) {
	h := newControlHarness(t)

	conn := h.dial(t)
	sendMsg(t, conn, Message{Action: ActionInit})
	ack := expectAction(t, conn, ActionInitAck)

	if _, err := uuid.Parse(ack.ClientID); err != nil {
		t.Errorf("client_id %q is not a UUID: %v", ack.ClientID, err)
	}
	if ack.Message != "Connection established" {
		t.Errorf("message = %q", ack.Message)
	}
}

func TestInitEchoesSuppliedID(t *testing.T) {
	h := newControlHarness(t)

	want := uuid.New().String()
	conn := h.dial(t)
	sendMsg(t, conn, Message{Action: ActionInit, ClientID: want})
	ack := expectAction(t, conn, ActionInitAck)

	if ack.ClientID != want {
		t.Errorf("client_id = %q, want %q", ack.ClientID, want)
	}
}

func TestInitMintsFreshIDForGarbage(t *testing.T) {
	h := newControlHarness(t)

	conn := h.dial(t)
	sendMsg(t, conn, Message{Action: ActionInit, ClientID: "not-a-uuid"})
	ack := expectAction(t, conn, ActionInitAck)

	if ack.ClientID == "not-a-uuid" {
		t.Error("garbage client_id was echoed back")
	}
	if _, err := uuid.Parse(ack.ClientID); err != nil {
		t.Errorf("client_id %q is not a UUID: %v", ack.ClientID, err)
	}
}

func TestRequestsRejectedBeforeInit(t *testing.T) {
	h := newControlHarness(t)

	conn := h.dial(t)
	sendMsg(t, conn, Message{Action: ActionCreateMeeting})
	expectError(t, conn, "Session not initialised")

	// INIT still works afterwards.
	sendMsg(t, conn, Message{Action: ActionInit})
	expectAction(t, conn, ActionInitAck)
}

func TestDoubleInitRejected(t *testing.T) {
	h := newControlHarness(t)

	conn, _ := h.initClient(t)
	sendMsg(t, conn, Message{Action: ActionInit})
	expectError(t, conn, "Session already initialised")
}

func TestUnknownAction(t *testing.T) {
	h := newControlHarness(t)

	conn, _ := h.initClient(t)
	sendMsg(t, conn, Message{Action: "DANCE"})
	expectError(t, conn, "Unknown action: DANCE")
}

func TestMalformedJSONKeepsSessionOpen(t *testing.T) {
	h := newControlHarness(t)

	conn, _ := h.initClient(t)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectError(t, conn, "Invalid JSON format")

	sendMsg(t, conn, Message{Action: ActionPing})
	pong := expectAction(t, conn, ActionPong)
	if pong.Message != "Server is alive" {
		t.Errorf("pong message = %q", pong.Message)
	}
}

func TestPingPong(t *testing.T) {
	h := newControlHarness(t)

	conn, _ := h.initClient(t)
	sendMsg(t, conn, Message{Action: ActionPing})
	expectAction(t, conn, ActionPong)
}

func TestHeartbeatStrikesCloseSession(t *testing.T) {
	h := newControlHarnessWith(t, 40*time.Millisecond, 3)

	conn, _ := h.initClient(t)

	// Stay silent; after three strike intervals the server closes us.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected close, got %+v", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Stats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still registered: %+v", h.hub.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInboundTrafficResetsStrikes(t *testing.T) {
	h := newControlHarnessWith(t, 50*time.Millisecond, 3)

	conn, _ := h.initClient(t)

	// Ping well inside every strike window for several windows.
	for i := 0; i < 8; i++ {
		sendMsg(t, conn, Message{Action: ActionPing})
		expectAction(t, conn, ActionPong)
		time.Sleep(30 * time.Millisecond)
	}

	if s := h.hub.Stats(); s.Active != 1 {
		t.Errorf("active sessions = %d, want 1", s.Active)
	}
}

func TestInitReplacesStaleSession(t *testing.T) {
	h := newControlHarness(t)

	id := uuid.New().String()

	conn1 := h.dial(t)
	sendMsg(t, conn1, Message{Action: ActionInit, ClientID: id})
	expectAction(t, conn1, ActionInitAck)

	conn2 := h.dial(t)
	sendMsg(t, conn2, Message{Action: ActionInit, ClientID: id})
	expectAction(t, conn2, ActionInitAck)

	// The first session is closed by the replacement.
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn1.ReadJSON(&msg); err == nil {
		t.Fatalf("stale session still readable, got %+v", msg)
	}

	// The replacement keeps working and its registration is intact.
	sendMsg(t, conn2, Message{Action: ActionPing})
	expectAction(t, conn2, ActionPong)

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Stats().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %+v, want exactly the replacement", h.hub.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
