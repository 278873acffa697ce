package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/healthscore/internal/heatmap"
)

var slotStart = time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
}

func update(scope heatmap.ScopeID, cat heatmap.Category, risk float64) *Event {
	return &Event{
		Type: EventRiskUpdate,
		Data: &RiskUpdate{
			ScopeID:  scope,
			Category: cat,
			Reading:  heatmap.ReadingOf(risk, slotStart, slotStart.Add(5*time.Minute)),
		},
	}
}

func intPtr(v int) *int { return &v }

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients == n
	}, time.Second, 5*time.Millisecond)
}

func TestShouldSend(t *testing.T) {
	h := testHub()
	svc := heatmap.ScopeID("acct/org/proj/svc")

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"zero subscription", Subscription{}, update(svc, heatmap.CategoryErrors, 0.2), true},
		{"exact scope", Subscription{Scopes: []string{"acct/org/proj/svc"}}, update(svc, heatmap.CategoryErrors, 0.2), true},
		{"other scope", Subscription{Scopes: []string{"acct/org/proj/api"}}, update(svc, heatmap.CategoryErrors, 0.2), false},
		{"scope prefix", Subscription{Scopes: []string{"acct/org/"}}, update(svc, heatmap.CategoryErrors, 0.2), true},
		{"prefix needs trailing slash", Subscription{Scopes: []string{"acct/org"}}, update(svc, heatmap.CategoryErrors, 0.2), false},
		{"category match", Subscription{Categories: []heatmap.Category{heatmap.CategoryErrors}}, update(svc, heatmap.CategoryErrors, 0.2), true},
		{"category miss", Subscription{Categories: []heatmap.Category{heatmap.CategoryPerformance}}, update(svc, heatmap.CategoryErrors, 0.2), false},
		{"score at threshold", Subscription{MaxHealthScore: intPtr(50)}, update(svc, heatmap.CategoryErrors, 0.5), true},
		{"score above threshold", Subscription{MaxHealthScore: intPtr(50)}, update(svc, heatmap.CategoryErrors, 0.2), false},
		{"no data with threshold", Subscription{MaxHealthScore: intPtr(50)}, update(svc, heatmap.CategoryErrors, heatmap.UnsetRiskScore), false},
		{"untyped payload", Subscription{Scopes: []string{"x"}}, &Event{Type: "other", Data: "hello"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{sub: tt.sub}
			assert.Equal(t, tt.want, h.shouldSend(client, tt.event))
		})
	}
}

func TestHub_StatsInitial(t *testing.T) {
	assert.Equal(t, Stats{}, testHub().Stats())
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{hub: h, send: make(chan []byte, 256)}
	h.register <- client
	waitForClients(t, h, 1)
	assert.Equal(t, int64(1), h.Stats().PeakClients)

	h.unregister <- client
	waitForClients(t, h, 0)
	assert.Equal(t, int64(1), h.Stats().PeakClients)
	assert.Equal(t, int64(1), h.Stats().TotalClients)
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Categories: []heatmap.Category{heatmap.CategoryPerformance}},
	}
	h.register <- client
	waitForClients(t, h, 1)

	h.Broadcast(update("a/b", heatmap.CategoryErrors, 0.4))
	h.Broadcast(update("a/b", heatmap.CategoryPerformance, 0.4))

	select {
	case msg := <-client.send:
		var got struct {
			Type EventType  `json:"type"`
			Data RiskUpdate `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, EventRiskUpdate, got.Type)
		assert.Equal(t, heatmap.CategoryPerformance, got.Data.Category)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	select {
	case msg := <-client.send:
		t.Fatalf("unexpected second message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{hub: h, send: make(chan []byte)} // unbuffered and never read
	h.register <- client
	waitForClients(t, h, 1)

	h.Broadcast(update("a/b", heatmap.CategoryErrors, 0.4))
	waitForClients(t, h, 0)
	assert.Equal(t, int64(1), h.Stats().DroppedClients)

	_, open := <-client.send
	assert.False(t, open, "send queue closed on drop")
}

func TestHub_BroadcastQueueFull(t *testing.T) {
	h := testHub() // not running, so nothing drains the queue
	for i := 0; i < cap(h.events)+3; i++ {
		h.Broadcast(update("a/b", heatmap.CategoryErrors, 0.4))
	}
	assert.Equal(t, int64(3), h.Stats().DroppedEvents)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	// Upgrades after shutdown are refused.
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCheckOrigin(t *testing.T) {
	h := testHub().WithAllowedOrigins([]string{"https://dash.example.com"})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/heatmap/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("https://api.example.com")))
	assert.True(t, h.checkOrigin(req("https://dash.example.com")))
	assert.False(t, h.checkOrigin(req("https://evil.example.com")))
	assert.True(t, testHub().WithAllowedOrigins([]string{"*"}).checkOrigin(req("https://evil.example.com")))
}

func TestHub_WebSocketStream(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 8, 0, 0, time.UTC)
	h := testHub().WithClock(func() time.Time { return now })
	runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?scopeId=acct/org/proj/svc&category=errors"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()
	waitForClients(t, h, 1)

	sample := heatmap.RiskSample{
		ScopeID: "acct/org/proj/svc", Category: heatmap.CategoryErrors,
		Timestamp: now, RiskScore: 0.37, AnomalousLogsCount: 2,
	}
	// Filtered out by the query subscription.
	h.RiskUpdated(context.Background(), heatmap.RiskSample{ScopeID: "acct/org/proj/other", Category: heatmap.CategoryErrors}, heatmap.HealthReading{})
	h.RiskUpdated(context.Background(), sample, heatmap.ReadingOf(0.37, slotStart, slotStart.Add(5*time.Minute)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type      EventType  `json:"type"`
		Timestamp time.Time  `json:"timestamp"`
		Data      RiskUpdate `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, EventRiskUpdate, got.Type)
	assert.True(t, got.Timestamp.Equal(now))
	assert.Equal(t, sample.ScopeID, got.Data.ScopeID)
	assert.Equal(t, int64(2), got.Data.AnomalousLogsCount)
	require.NotNil(t, got.Data.Reading.HealthScore)
	assert.Equal(t, 63, *got.Data.Reading.HealthScore)
	assert.Equal(t, heatmap.RiskObserve, got.Data.Reading.RiskStatus)

	// A subscription message replaces the query filter.
	require.NoError(t, conn.WriteJSON(Subscription{MaxHealthScore: intPtr(20)}))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			c.mu.RLock()
			ok := c.sub.MaxHealthScore != nil
			c.mu.RUnlock()
			if ok {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.RiskUpdated(context.Background(), sample, heatmap.ReadingOf(0.37, slotStart, slotStart.Add(5*time.Minute)))
	h.RiskUpdated(context.Background(), heatmap.RiskSample{ScopeID: "x/y", Category: heatmap.CategoryInfrastructure},
		heatmap.ReadingOf(0.9, slotStart, slotStart.Add(5*time.Minute)))

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, heatmap.ScopeID("x/y"), got.Data.ScopeID)
	assert.Equal(t, 10, *got.Data.Reading.HealthScore)
}
