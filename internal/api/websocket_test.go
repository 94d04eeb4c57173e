package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/stubcard"
)

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()

	if hub == nil {
		t.Fatal("NewWSHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.broadcast == nil {
		t.Error("broadcast channel should be initialized")
	}
	if hub.register == nil {
		t.Error("register channel should be initialized")
	}
	if hub.unregister == nil {
		t.Error("unregister channel should be initialized")
	}
}

func TestWSHub_Run(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := newWSClient(hub, nil, nil)
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, exists := hub.clients[client]
	hub.mu.RUnlock()
	if !exists {
		t.Error("client should be registered")
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, exists = hub.clients[client]
	hub.mu.RUnlock()
	if exists {
		t.Error("client should be unregistered")
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	clients := make([]*WSClient, 3)
	for i := range clients {
		clients[i] = newWSClient(hub, nil, nil)
		hub.register <- clients[i]
	}
	time.Sleep(10 * time.Millisecond)

	testMsg := []byte(`{"type":"test"}`)
	hub.broadcast <- testMsg
	time.Sleep(10 * time.Millisecond)

	for i, client := range clients {
		select {
		case msg := <-client.send:
			if string(msg) != string(testMsg) {
				t.Errorf("client %d received wrong message", i)
			}
		default:
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestWSHub_Record(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := newWSClient(hub, nil, nil)
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	balance := 850
	hub.Record(calypso.TransactionRecord{
		ID:        "7b0b0b8e-0000-4000-8000-000000000001",
		Serial:    "0000000012345678",
		Outcome:   calypso.OutcomeCommitted,
		Balance:   &balance,
		Exchanges: []calypso.Exchange{{Command: []byte{0x00, 0x8A}, Response: []byte{0x90, 0x00}}},
	})

	select {
	case raw := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if msg.Type != "transaction" {
			t.Errorf("expected type 'transaction', got %q", msg.Type)
		}
		if strings.Contains(string(msg.Payload), "exchanges") {
			t.Error("broadcast should not carry the transcript")
		}
		var event transactionEvent
		json.Unmarshal(msg.Payload, &event)
		if event.Balance == nil || *event.Balance != 850 || event.Outcome != calypso.OutcomeCommitted {
			t.Errorf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transaction event")
	}
}

func TestWSHub_RecordNeverBlocks(t *testing.T) {
	hub := NewWSHub() // not running
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(hub.broadcast)+10; i++ {
			hub.Record(calypso.TransactionRecord{ID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled hub")
	}
}

func TestWSClient_sendResponse(t *testing.T) {
	client := &WSClient{
		send: make(chan []byte, 256),
	}

	client.sendResponse("test-id", "test-type", map[string]string{"key": "value"})

	select {
	case msg := <-client.send:
		var decoded WSMessage
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if decoded.Type != "test-type" {
			t.Errorf("expected type 'test-type', got '%s'", decoded.Type)
		}
		if decoded.ID != "test-id" {
			t.Errorf("expected ID 'test-id', got '%s'", decoded.ID)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for response")
	}
}

func TestWSClient_sendError(t *testing.T) {
	client := &WSClient{
		send: make(chan []byte, 256),
	}

	client.sendError("err-id", "test error message")

	select {
	case msg := <-client.send:
		var decoded WSMessage
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("failed to unmarshal error: %v", err)
		}
		if decoded.Type != "error" {
			t.Errorf("expected type 'error', got '%s'", decoded.Type)
		}
		if decoded.Error != "test error message" {
			t.Errorf("expected error 'test error message', got '%s'", decoded.Error)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for error")
	}
}

func TestWSClient_sendAfterClose(t *testing.T) {
	client := &WSClient{
		send: make(chan []byte, 1),
	}
	close(client.send)
	// must not panic once the hub dropped the client
	client.sendResponse("id", "late", nil)
}

func TestWSClient_handleMessage(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		msgType  string
		payload  string
		wantType string
	}{
		{"list_readers", "list_readers", "", "readers"},
		{"version", "version", "", "version"},
		{"health", "health", "", "health"},
		{"identify_card", "identify_card", `{"readerIndex":0}`, "card"},
		{"list_transactions", "list_transactions", `{"limit":5}`, "transactions"},
		{"unknown", "unknown_type", "", "error"},
		{"identify_invalid_payload", "identify_card", "invalid", "error"},
		{"identify_out_of_range", "identify_card", `{"readerIndex":3}`, "error"},
		{"run_invalid_payload", "run_transaction", "invalid", "error"},
		{"subscribe_invalid_payload", "subscribe", "invalid", "error"},
		{"unsubscribe_invalid_payload", "unsubscribe", "invalid", "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newWSClient(env.server.Hub(), env.server, nil)

			var payload json.RawMessage
			if tt.payload != "" {
				payload = json.RawMessage(tt.payload)
			}
			client.handleMessage(WSMessage{Type: tt.msgType, ID: "test-id", Payload: payload})

			select {
			case resp := <-client.send:
				var decoded WSMessage
				json.Unmarshal(resp, &decoded)
				if decoded.Type != tt.wantType {
					t.Errorf("expected type %q, got %q (%s)", tt.wantType, decoded.Type, decoded.Error)
				}
				if decoded.ID != "test-id" {
					t.Errorf("expected ID 'test-id', got %q", decoded.ID)
				}
			case <-time.After(time.Second):
				t.Error("timeout waiting for response")
			}
		})
	}
}

// dial connects a WebSocket client to a test server for env.
func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	go env.server.Hub().Run()
	srv := httptest.NewServer(env.mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads messages until one of type want arrives.
func next(t *testing.T, conn *websocket.Conn, want string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocket_RunTransaction(t *testing.T) {
	env := newTestEnv(t, stubcard.WithStoredValue(1000, true))
	conn := dial(t, env)
	// let the hub register the connection before the broadcast
	time.Sleep(20 * time.Millisecond)

	err := conn.WriteJSON(WSMessage{
		Type:    "run_transaction",
		ID:      "tx-1",
		Payload: json.RawMessage(`{"readerIndex":0,"level":"debit","steps":[{"op":"svGet","sv":"debit"},{"op":"svDebit","amount":"2.00"}]}`),
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var sawResult, sawEvent bool
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !sawResult || !sawEvent {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed (result %v, event %v): %v", sawResult, sawEvent, err)
		}
		switch msg.Type {
		case "transaction_result":
			sawResult = true
			if msg.ID != "tx-1" || msg.Error != "" {
				t.Errorf("result = %+v", msg)
			}
			var res struct {
				Balance string `json:"balance"`
			}
			json.Unmarshal(msg.Payload, &res)
			if res.Balance != "8.00" {
				t.Errorf("balance = %q, want 8.00", res.Balance)
			}
		case "transaction":
			sawEvent = true
		case "error":
			t.Fatalf("unexpected error: %s", msg.Error)
		}
	}
	if env.card.Balance() != 800 {
		t.Errorf("card balance = %d, want 800", env.card.Balance())
	}
}

func TestWebSocket_Subscribe(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)

	if err := conn.WriteJSON(WSMessage{
		Type:    "subscribe",
		ID:      "sub-1",
		Payload: json.RawMessage(`{"readerIndex":0,"intervalMs":100}`),
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	next(t, conn, "subscribed")

	detected := next(t, conn, "card_detected")
	var event struct {
		ReaderName string `json:"readerName"`
		Card       struct {
			Serial string `json:"serial"`
		} `json:"card"`
	}
	json.Unmarshal(detected.Payload, &event)
	if event.ReaderName != "ACS ACR1252 PICC" || event.Card.Serial != "0000000012345678" {
		t.Errorf("card_detected = %s", detected.Payload)
	}

	env.card.Remove()
	next(t, conn, "card_removed")

	if err := conn.WriteJSON(WSMessage{
		Type:    "unsubscribe",
		ID:      "sub-2",
		Payload: json.RawMessage(`{"readerIndex":0}`),
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := next(t, conn, "unsubscribed"); msg.ID != "sub-2" {
		t.Errorf("unsubscribed id = %q", msg.ID)
	}
}
