package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/crazyflie_bridge/internal/config"
	"github.com/relabs-tech/crazyflie_bridge/internal/storage"
	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

var telemetryUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsEvent is one message on /ws/telemetry.
type wsEvent struct {
	Type  string          `json:"type"` // telemetry, status
	Group string          `json:"group,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// sampleHistory answers for groups the hub has not seen on the bus yet.
type sampleHistory interface {
	Latest(ctx context.Context, group string) (telemetry.Sample, error)
}

type wsClient struct {
	send chan []byte
}

// telemetryHub keeps the latest sample of every group and the latest link
// status as received from the bus, and fans updates out to websocket clients.
// Slow clients miss intermediate updates rather than block the hub.
type telemetryHub struct {
	mu      sync.RWMutex
	latest  map[string]json.RawMessage
	status  json.RawMessage
	clients map[*wsClient]struct{}

	history sampleHistory // nil without a flight recorder
}

func newTelemetryHub(history sampleHistory) *telemetryHub {
	return &telemetryHub{
		latest:  make(map[string]json.RawMessage),
		clients: make(map[*wsClient]struct{}),
		history: history,
	}
}

// updateSample stores a sample payload. Payloads that do not decode as a
// sample are rejected.
func (h *telemetryHub) updateSample(payload []byte) error {
	var s telemetry.Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return fmt.Errorf("telemetry unmarshal: %w", err)
	}
	if s.Group == "" {
		return fmt.Errorf("telemetry sample without group")
	}
	data := json.RawMessage(append([]byte(nil), payload...))

	h.mu.Lock()
	h.latest[s.Group] = data
	h.mu.Unlock()

	h.broadcast(wsEvent{Type: "telemetry", Group: s.Group, Data: data})
	return nil
}

func (h *telemetryHub) updateStatus(payload []byte) error {
	var st LinkStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("status unmarshal: %w", err)
	}
	data := json.RawMessage(append([]byte(nil), payload...))

	h.mu.Lock()
	h.status = data
	h.mu.Unlock()

	h.broadcast(wsEvent{Type: "status", Data: data})
	return nil
}

func (h *telemetryHub) broadcast(ev wsEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("web: event marshal error: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// register adds a client and queues the current state for it first.
func (h *telemetryHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var events []wsEvent
	if h.status != nil {
		events = append(events, wsEvent{Type: "status", Data: h.status})
	}
	for _, group := range sortedKeys(h.latest) {
		events = append(events, wsEvent{Type: "telemetry", Group: group, Data: h.latest[group]})
	}
	for _, ev := range events {
		msg, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
	h.clients[c] = struct{}{}
}

func (h *telemetryHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *telemetryHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func (h *telemetryHub) handleAll(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.latest) == 0 {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, h.latest)
}

func (h *telemetryHub) handleGroup(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")

	h.mu.RLock()
	data, ok := h.latest[group]
	h.mu.RUnlock()

	if ok {
		writeJSON(w, data)
		return
	}

	if h.history != nil {
		s, err := h.history.Latest(r.Context(), group)
		if err == nil {
			writeJSON(w, s)
			return
		}
		if !errors.Is(err, storage.ErrNoSamples) {
			log.Printf("web: recorder lookup %s: %v", group, err)
		}
	}
	http.Error(w, fmt.Sprintf("no data for group %q", group), http.StatusNotFound)
}

func (h *telemetryHub) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	data := h.status
	h.mu.RUnlock()

	if data == nil {
		http.Error(w, "no status yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, data)
}

// handleWS streams hub events to one websocket client until it disconnects.
func (h *telemetryHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := telemetryUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	c := &wsClient{send: make(chan []byte, 64)}
	h.register(c)
	defer h.unregister(c)

	go func() {
		for msg := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// unblock the read loop below
				_ = conn.Close()
				return
			}
		}
	}()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newWebMux(h *telemetryHub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/telemetry", h.handleAll)
	mux.HandleFunc("GET /api/telemetry/{group}", h.handleGroup)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("/ws/telemetry", h.handleWS)
	return mux
}

func RunWeb() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	var history sampleHistory
	if cfg.RecorderDB != "" {
		rec := storage.NewRecorder(cfg.RecorderDB)
		defer rec.Close()
		history = rec
		log.Printf("web: serving recorded samples from %s for groups not yet seen", cfg.RecorderDB)
	}
	hub := newTelemetryHub(history)

	// 1) Connect to MQTT broker
	client, err := connectMQTT("web", cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	// 2) Subscribe to telemetry and status, update the hub on each message
	err = subscribe(client, "web", telemetryTopic(cfg.TopicTelemetryPrefix, "#"), func(_ mqtt.Client, msg mqtt.Message) {
		if err := hub.updateSample(msg.Payload()); err != nil {
			log.Printf("web: %s: %v", msg.Topic(), err)
		}
	})
	if err != nil {
		return err
	}
	err = subscribe(client, "web", cfg.TopicStatus, func(_ mqtt.Client, msg mqtt.Message) {
		if err := hub.updateStatus(msg.Payload()); err != nil {
			log.Printf("web: %v", err)
		}
	})
	if err != nil {
		return err
	}

	// 3) HTTP API and websocket stream
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: newWebMux(hub),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web: server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Println("web: shutting down")
	return nil
}

