package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/events"
)

func receive(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var e events.Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return events.Event{}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not have received %s", c.ID, msg)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("acme", WardTopic("W1"))

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("acme", WardTopic("W1")) != 1 {
		t.Fatalf("expected one client on ward:W1, got %d/%d", hub.ClientCount(), hub.TopicCount("acme", WardTopic("W1")))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("acme", WardTopic("W1")) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, open := <-client.Send; open {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishRoutesByWard(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	w1 := NewClient("acme", WardTopic("W1"))
	w2 := NewClient("acme", WardTopic("W2"))
	w3 := NewClient("acme", WardTopic("W3"))
	board := NewClient("acme", TopicAdmissions, WardTopic("W1"))
	for _, c := range []*Client{w1, w2, w3, board} {
		hub.Register(c)
	}

	err := hub.Publish(context.Background(), events.Event{
		Type:       events.AdmissionTransferred,
		TenantID:   "acme",
		PatientID:  "P1",
		WardNumber: "W2",
		BedNumber:  "B1",
		FromWard:   "W1",
		FromBed:    "B3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e := receive(t, w1); e.Type != events.AdmissionTransferred || e.FromBed != "B3" {
		t.Errorf("unexpected event on W1: %+v", e)
	}
	receive(t, w2)
	assertNothing(t, w3)

	// subscribed to two matching topics, delivered once
	receive(t, board)
	assertNothing(t, board)
}

func TestHub_TenantIsolation(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	acme := NewClient("acme", TopicAdmissions)
	other := NewClient("globex", TopicAdmissions)
	hub.Register(acme)
	hub.Register(other)

	hub.Publish(context.Background(), events.Event{Type: events.AdmissionAdmitted, TenantID: "acme", WardNumber: "W1"})

	receive(t, acme)
	assertNothing(t, other)
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("acme")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{WardTopic("W1"), WardTopic("W2")}})
	if hub.TopicCount("acme", WardTopic("W1")) != 1 || hub.TopicCount("acme", WardTopic("W2")) != 1 {
		t.Fatal("expected subscriptions to be added")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{WardTopic("W1")}})
	if hub.TopicCount("acme", WardTopic("W1")) != 0 || hub.TopicCount("acme", WardTopic("W2")) != 1 {
		t.Fatal("expected only ward:W1 to be removed")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{WardTopic("W3")}})
	if hub.TopicCount("acme", WardTopic("W3")) != 0 {
		t.Fatal("unknown actions must be ignored")
	}

	hub.Unregister(client)
	if hub.TopicCount("acme", WardTopic("W2")) != 0 {
		t.Fatal("expected unregister to clear topics")
	}
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("acme", TopicAdmissions)
	hub.Register(client)

	for i := 0; i < sendBuffer+10; i++ {
		hub.Broadcast("acme", []byte(`{}`), TopicAdmissions)
	}
	if len(client.Send) != sendBuffer {
		t.Fatalf("expected buffer to be full at %d, got %d", sendBuffer, len(client.Send))
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient("acme", TopicAdmissions)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), events.Event{Type: events.AdmissionAdmitted, TenantID: "acme"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_RelayFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	pub := events.NewRedisPublisher(client, "adt:events")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src, err := pub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hub := NewHub(zerolog.Nop())
	screen := NewClient("acme", WardTopic("W1"))
	hub.Register(screen)
	go hub.Relay(ctx, src)

	if err := pub.Publish(ctx, events.Event{Type: events.AdmissionDischarged, TenantID: "acme", WardNumber: "W1", BedNumber: "B2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if e := receive(t, screen); e.Type != events.AdmissionDischarged || e.BedNumber != "B2" {
		t.Errorf("unexpected relayed event %+v", e)
	}
}

func TestHandler_Upgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), db.TenantIDKey, "acme")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?ward=W1"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("acme", WardTopic("W1")) == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{WardTopic("W2")}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("acme", WardTopic("W2")) == 1 })

	hub.Publish(context.Background(), events.Event{Type: events.AdmissionAdmitted, TenantID: "acme", WardNumber: "W2", BedNumber: "B1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != events.AdmissionAdmitted || got.WardNumber != "W2" {
		t.Errorf("unexpected event %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, []string{"https://wards.example.com"}).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected dial from a foreign origin to fail")
	}
	if hub.ClientCount() != 0 {
		t.Fatal("no client should be registered")
	}
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(NewHub(zerolog.Nop()), nil).HandleConnect(c); err == nil && rec.Code < 400 {
		t.Fatal("expected plain GET to be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
