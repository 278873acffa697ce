// Package realtime streams accepted risk updates to WebSocket clients.
//
// Dashboards subscribe instead of polling the latest health endpoint. Each
// client can narrow the stream to some scopes, some categories, or readings
// at or below a health score.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/healthscore/internal/heatmap"
	"github.com/mbd888/healthscore/internal/metrics"
)

type EventType string

const EventRiskUpdate EventType = "risk_update"

// Event is one message on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RiskUpdate is the payload of an EventRiskUpdate.
type RiskUpdate struct {
	ScopeID               heatmap.ScopeID       `json:"scopeId"`
	Category              heatmap.Category      `json:"category"`
	Timestamp             time.Time             `json:"timestamp"`
	RiskScore             float64               `json:"riskScore"`
	AnomalousMetricsCount int64                 `json:"anomalousMetricsCount"`
	AnomalousLogsCount    int64                 `json:"anomalousLogsCount"`
	Reading               heatmap.HealthReading `json:"reading"`
}

// Subscription filters what a client receives. The zero value receives
// everything.
type Subscription struct {
	// Scopes limits the stream to these scopes and, for a scope ending in
	// "/", everything below it.
	Scopes     []string           `json:"scopes"`
	Categories []heatmap.Category `json:"categories"`
	// MaxHealthScore drops readings scoring above it, and readings with no
	// score at all. Nil disables the filter.
	MaxHealthScore *int `json:"maxHealthScore"`
}

func (s Subscription) matches(u *RiskUpdate) bool {
	if len(s.Scopes) > 0 && !slices.ContainsFunc(s.Scopes, func(p string) bool {
		return p == string(u.ScopeID) || (strings.HasSuffix(p, "/") && strings.HasPrefix(string(u.ScopeID), p))
	}) {
		return false
	}
	if len(s.Categories) > 0 && !slices.Contains(s.Categories, u.Category) {
		return false
	}
	if s.MaxHealthScore != nil {
		score := u.Reading.HealthScore
		return score != nil && *score <= *s.MaxHealthScore
	}
	return true
}

// MaxClients caps concurrent stream connections.
const MaxClients = 10000

// Stats describes hub activity since start.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	DroppedClients   int64 `json:"droppedClients"`
}

// Hub fans risk updates out to subscribed clients. All membership changes
// happen on the Run goroutine; mu only guards reads from other goroutines.
type Hub struct {
	logger     *slog.Logger
	now        func() time.Time
	origins    []string
	maxClients int
	upgrader   websocket.Upgrader

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed once Run returns

	mu      sync.RWMutex
	clients map[*Client]struct{}

	totalEvents    atomic.Int64
	totalClients   atomic.Int64
	peakClients    atomic.Int64
	droppedEvents  atomic.Int64
	droppedClients atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:     logger.With("component", "stream"),
		now:        time.Now,
		maxClients: MaxClients,
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    map[*Client]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins admits browsers from these origins in addition to
// same-host pages. "*" admits any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

// WithClock sets the time source for event timestamps.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return true // not a browser
	case origin == "http://"+r.Host || origin == "https://"+r.Host:
		return true
	default:
		return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
	}
}

// Run owns the client set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("stream hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("stream hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.StreamClients.Set(float64(n))
	h.logger.Info("stream client connected", "clients", n)
}

func (h *Hub) remove(clients ...*Client) int {
	h.mu.Lock()
	removed := 0
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send) // writePump sends a close frame and exits
			removed++
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.StreamClients.Set(float64(n))
	if removed > 0 {
		h.logger.Info("stream client disconnected", "clients", n)
	}
	return removed
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

// fanOut encodes e once and queues it for every matching client. Clients
// whose queue is full are disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(e *Event) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode stream event", "type", e.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !h.shouldSend(c, e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		n := h.remove(slow...)
		h.droppedClients.Add(int64(n))
		h.logger.Warn("dropped slow stream clients", "count", n)
	}
}

// shouldSend applies the client's subscription. Events that are not risk
// updates go to everyone.
func (h *Hub) shouldSend(c *Client, e *Event) bool {
	u, ok := e.Data.(*RiskUpdate)
	if !ok {
		return true
	}
	return c.subscription().matches(u)
}

// Broadcast queues e without blocking; when the queue is full the event is
// counted and dropped.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.events <- e:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("stream queue full, dropping event", "type", e.Type)
	}
}

// RiskUpdated publishes an accepted risk sample.
func (h *Hub) RiskUpdated(_ context.Context, s heatmap.RiskSample, reading heatmap.HealthReading) {
	h.Broadcast(&Event{
		Type:      EventRiskUpdate,
		Timestamp: h.now().UTC(),
		Data: &RiskUpdate{
			ScopeID:               s.ScopeID,
			Category:              s.Category,
			Timestamp:             s.Timestamp,
			RiskScore:             s.RiskScore,
			AnomalousMetricsCount: s.AnomalousMetricsCount,
			AnomalousLogsCount:    s.AnomalousLogsCount,
			Reading:               reading,
		},
	})
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		DroppedClients:   h.droppedClients.Load(),
	}
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// HandleWebSocket upgrades the request and attaches a client. ?scopeId and
// ?category set the initial subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.stopped() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, subscriptionFromQuery(r))
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{Scopes: q["scopeId"]}
	for _, raw := range q["category"] {
		if c, err := heatmap.ParseCategory(raw); err == nil {
			sub.Categories = append(sub.Categories, c)
		}
	}
	return sub
}
