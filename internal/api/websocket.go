package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/core"
	"github.com/SimplyPrint/calypso-agent/internal/journal"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *WSHub
	server      *Server
	mu          sync.Mutex
	pollStops   map[string]chan struct{} // Open card event subscriptions per reader
	lastSerials map[string]string        // Track last seen card serial per reader
}

func newWSClient(hub *WSHub, server *Server, conn *websocket.Conn) *WSClient {
	return &WSClient{
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         hub,
		server:      server,
		pollStops:   make(map[string]chan struct{}),
		lastSerials: make(map[string]string),
	}
}

// WSHub manages all WebSocket connections. It implements calypso.Recorder
// and broadcasts every finished transaction.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// transactionEvent is the broadcast form of a record, without the transcript.
type transactionEvent struct {
	ID          string          `json:"id"`
	Serial      string          `json:"serial"`
	Level       string          `json:"level"`
	SubSessions int             `json:"subSessions"`
	Outcome     calypso.Outcome `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	Balance     *int            `json:"balance,omitempty"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

// Record broadcasts rec to every client. It never blocks; events are
// dropped when the hub falls behind.
func (h *WSHub) Record(rec calypso.TransactionRecord) {
	payload, _ := json.Marshal(transactionEvent{
		ID:          rec.ID,
		Serial:      rec.Serial,
		Level:       rec.Level,
		SubSessions: rec.SubSessions,
		Outcome:     rec.Outcome,
		Error:       rec.Error,
		Balance:     rec.Balance,
		FinishedAt:  rec.FinishedAt,
	})
	msg, _ := json.Marshal(WSMessage{Type: "transaction", Payload: payload})
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn(logging.CatWebSocket, "Dropped transaction event", map[string]any{
			"id": rec.ID,
		})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	client := newWSClient(s.hub, s, conn)
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.stopPolling()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "identify_card":
		c.handleIdentifyCard(msg.ID, msg.Payload)
	case "run_transaction":
		c.handleRunTransaction(msg.ID, msg.Payload)
	case "list_transactions":
		c.handleListTransactions(msg.ID, msg.Payload)
	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.server.health())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// trySend queues data unless the client is gone.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		// send was closed by the hub after the client dropped
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	data, _ := json.Marshal(WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	})
	c.trySend(data)
}

func (c *WSClient) sendError(id string, errMsg string) {
	data, _ := json.Marshal(WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	})
	c.trySend(data)
}

type readerRequest struct {
	ReaderIndex int `json:"readerIndex"`
}

// resolveReader decodes the reader index of payload into a reader name.
func (c *WSClient) resolveReader(id string, payload json.RawMessage, into any) (string, bool) {
	var req readerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return "", false
	}
	if into != nil {
		if err := json.Unmarshal(payload, into); err != nil {
			c.sendError(id, "invalid payload")
			return "", false
		}
	}
	name, err := c.server.readerAt(req.ReaderIndex)
	if err != nil {
		c.sendError(id, err.Error())
		return "", false
	}
	return name, true
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := c.server.opts.Readers.ListReaders()
	if err != nil {
		c.sendError(id, "failed to list readers: "+err.Error())
		return
	}
	c.sendResponse(id, "readers", readers)
}

func (c *WSClient) handleIdentifyCard(id string, payload json.RawMessage) {
	name, ok := c.resolveReader(id, payload, nil)
	if !ok {
		return
	}
	info, err := c.server.identify(name)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "card", info)
}

func (c *WSClient) handleRunTransaction(id string, payload json.RawMessage) {
	var req core.Request
	name, ok := c.resolveReader(id, payload, &req)
	if !ok {
		return
	}
	// long running; keep reading other messages meanwhile
	go func() {
		defer logging.RecoverAndLog("WebSocket transaction", false)
		res, err := c.server.run(context.Background(), name, req)
		if err != nil {
			if res == nil {
				c.sendError(id, err.Error())
				return
			}
			data, _ := json.Marshal(res)
			msg, _ := json.Marshal(WSMessage{Type: "transaction_result", ID: id, Payload: data, Error: err.Error()})
			c.trySend(msg)
			return
		}
		c.sendResponse(id, "transaction_result", res)
	}()
}

func (c *WSClient) handleListTransactions(id string, payload json.RawMessage) {
	if c.server.opts.Journal == nil {
		c.sendError(id, "journal disabled")
		return
	}
	var req struct {
		Serial  string `json:"serial"`
		Outcome string `json:"outcome"`
		Limit   int    `json:"limit"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendError(id, "invalid payload")
			return
		}
	}
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}
	records, err := c.server.opts.Journal.List(context.Background(), journal.Filter{
		Serial:  req.Serial,
		Outcome: calypso.Outcome(req.Outcome),
		Limit:   req.Limit,
	})
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "transactions", records)
}

func (c *WSClient) handleSubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
		IntervalMs  int `json:"intervalMs"`
	}
	readerKey, ok := c.resolveReader(id, payload, &req)
	if !ok {
		return
	}

	if req.IntervalMs < 100 {
		req.IntervalMs = 500 // Default 500ms
	}

	c.mu.Lock()
	// Stop existing subscription if any
	if stop, ok := c.pollStops[readerKey]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	c.pollStops[readerKey] = stop
	c.lastSerials[readerKey] = ""
	c.mu.Unlock()

	go c.poll(readerKey, req.ReaderIndex, time.Duration(req.IntervalMs)*time.Millisecond, stop)

	logging.Info(logging.CatWebSocket, "Client subscribed to reader", map[string]any{
		"reader":     readerKey,
		"intervalMs": req.IntervalMs,
	})
	c.sendResponse(id, "subscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
		"intervalMs":  req.IntervalMs,
	})
}

// poll reports card arrivals and removals on readerKey until unsubscribed.
func (c *WSClient) poll(readerKey string, index int, interval time.Duration, stop <-chan struct{}) {
	defer logging.RecoverAndLog("WebSocket poll goroutine", false)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		last := c.lastSerials[readerKey]
		c.mu.Unlock()

		present := c.server.opts.Readers.Transport(readerKey).IsCardPresent()
		switch {
		case !present && last != "":
			c.setLastSerial(readerKey, "")
			logging.Info(logging.CatCard, "Card removed", map[string]any{
				"reader": readerKey,
			})
			c.sendResponse("", "card_removed", map[string]interface{}{
				"readerIndex": index,
				"readerName":  readerKey,
			})
		case present && last == "":
			info, err := c.server.identify(readerKey)
			if errors.Is(err, errReaderBusy) {
				continue
			}
			event := map[string]interface{}{
				"readerIndex": index,
				"readerName":  readerKey,
			}
			if err != nil {
				// not a Calypso card, report it once
				c.setLastSerial(readerKey, "?")
				event["error"] = err.Error()
			} else {
				c.setLastSerial(readerKey, info.Serial)
				event["card"] = info
			}
			c.sendResponse("", "card_detected", event)
		}
	}
}

func (c *WSClient) setLastSerial(readerKey, serial string) {
	c.mu.Lock()
	c.lastSerials[readerKey] = serial
	c.mu.Unlock()
}

func (c *WSClient) handleUnsubscribe(id string, payload json.RawMessage) {
	readerKey, ok := c.resolveReader(id, payload, nil)
	if !ok {
		return
	}

	c.mu.Lock()
	if stop, ok := c.pollStops[readerKey]; ok {
		close(stop)
		delete(c.pollStops, readerKey)
	}
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client unsubscribed from reader", map[string]any{
		"reader": readerKey,
	})
	var req readerRequest
	_ = json.Unmarshal(payload, &req)
	c.sendResponse(id, "unsubscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
	})
}

// stopPolling ends every subscription of the client.
func (c *WSClient) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, stop := range c.pollStops {
		close(stop)
		delete(c.pollStops, key)
	}
}
