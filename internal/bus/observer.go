package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/orquesta/internal/logging"
)

const (
	// DefaultObserverPort is the default port for the WebSocket event feed.
	DefaultObserverPort = 8791

	// WebSocketEndpoint is the path for WebSocket connections.
	WebSocketEndpoint = "/events"

	// HealthEndpoint is the path for health checks.
	HealthEndpoint = "/health"

	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size allowed.
	MaxMessageSize = 512
)

// Observer is a WebSocket server that exposes turn lifecycle events to
// external clients (live UIs watching plans, attempts, and stream chunks).
// It subscribes to all bus events and forwards them to connected clients,
// optionally filtered per session.
type Observer struct {
	bus      *Bus
	port     int
	upgrader websocket.Upgrader
	server   *http.Server
	log      zerolog.Logger

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// Client represents a single WebSocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	// sessionFilter, when set, delivers only events for that session
	// (events with an empty session ID always pass).
	sessionFilter string

	replayHistory bool
	historyCount  int
}

// wants reports whether the client should receive the event.
func (c *Client) wants(event Event) bool {
	if c.sessionFilter == "" || event.SessionID == "" {
		return true
	}
	return event.SessionID == c.sessionFilter
}

// ObserverConfig configures the WebSocket event feed.
type ObserverConfig struct {
	Port          int
	ReplayHistory bool
	HistoryCount  int
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Port:          DefaultObserverPort,
		ReplayHistory: true,
		HistoryCount:  100,
	}
}

// NewObserver creates a WebSocket event feed attached to the given bus.
func NewObserver(b *Bus, config ObserverConfig) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Observer{
		bus:  b,
		port: config.Port,
		log:  logging.Component("observer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local tooling connects from arbitrary origins.
				return true
			},
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins serving the event feed.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("observer already running")
	}
	o.running = true
	o.runningMu.Unlock()

	o.bus.Subscribe(EventType(""), o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, o.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, o.handleHealth)

	o.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.port),
		Handler: mux,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.log.Info().Int("port", o.port).Msg("event feed listening")
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("event feed server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the observer.
func (o *Observer) Stop() error {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return nil
	}
	o.running = false
	o.runningMu.Unlock()

	o.cancel()

	o.clientsMu.Lock()
	for client := range o.clients {
		close(client.send)
		delete(o.clients, client)
	}
	o.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	o.wg.Wait()
	o.log.Info().Msg("event feed stopped")
	return nil
}

// IsRunning returns whether the observer is currently serving.
func (o *Observer) IsRunning() bool {
	o.runningMu.RLock()
	defer o.runningMu.RUnlock()
	return o.running
}

// ClientCount returns the number of connected WebSocket clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

func (o *Observer) runClientManager() {
	defer o.wg.Done()

	for {
		select {
		case client := <-o.register:
			o.clientsMu.Lock()
			o.clients[client] = true
			total := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("clients", total).Msg("client connected")

			if client.replayHistory {
				o.replayHistoryToClient(client, client.historyCount)
			}

		case client := <-o.unregister:
			o.clientsMu.Lock()
			if _, ok := o.clients[client]; ok {
				delete(o.clients, client)
				close(client.send)
				client.conn.Close()
			}
			remaining := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("clients", remaining).Msg("client disconnected")

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) replayHistoryToClient(client *Client, count int) {
	for _, event := range o.bus.HistoryTail(count) {
		if !client.wants(event) {
			continue
		}
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			return
		}
	}
}

func (o *Observer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		fmt.Sscanf(n, "%d", &count)
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		sessionFilter: r.URL.Query().Get("session"),
		replayHistory: replay,
		historyCount:  count,
	}

	o.register <- client

	o.wg.Add(2)
	go o.writePump(client)
	go o.readPump(client)
}

// writePump sends queued events to the WebSocket client and keeps the
// connection alive with pings.
func (o *Observer) writePump(client *Client) {
	defer o.wg.Done()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(client.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-client.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

// readPump drains inbound frames so pong handling works; clients do not
// send application messages.
func (o *Observer) readPump(client *Client) {
	defer o.wg.Done()
	defer func() {
		o.unregister <- client
	}()

	client.conn.SetReadLimit(MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(PongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.log.Warn().Err(err).Msg("websocket read error")
			}
			break
		}
	}
}

// handleBusEvent forwards every published event to interested clients.
func (o *Observer) handleBusEvent(event Event) {
	o.clientsMu.RLock()
	clients := make([]*Client, 0, len(o.clients))
	for client := range o.clients {
		if client.wants(event) {
			clients = append(clients, client)
		}
	}
	o.clientsMu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		o.log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Client is not keeping up; drop it.
			o.unregister <- client
		}
	}
}

func (o *Observer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status      string `json:"status"`
		Service     string `json:"service"`
		Port        int    `json:"port"`
		Clients     int    `json:"clients"`
		BusSubs     int    `json:"bus_subscriptions"`
		HistorySize int    `json:"history_size"`
	}{
		Status:      "healthy",
		Service:     "orquesta-event-feed",
		Port:        o.port,
		Clients:     o.ClientCount(),
		BusSubs:     o.bus.SubscriptionsCount(),
		HistorySize: len(o.bus.History()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
