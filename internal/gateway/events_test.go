package gateway_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/actiond/internal/bus"
	"github.com/basket/actiond/internal/gateway"
)

func dialEvents(t *testing.T, serverURL, query, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + token},
		}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/events"+query, dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	eventBus := bus.New()
	srv, _ := newTestServer(t, gateway.Config{Bus: eventBus})

	conn := dialEvents(t, srv.URL, "", "")

	// Give the handler a moment to register its subscription.
	waitForSubscribers(t, eventBus, 1)
	eventBus.Publish(bus.TopicActionScheduled, bus.ActionScheduledEvent{
		ActionID: "a1",
		Kind:     "example.com/demo",
	})

	frame := readFrame(t, conn)
	if frame["topic"] != bus.TopicActionScheduled {
		t.Fatalf("topic = %v", frame["topic"])
	}
	payload, ok := frame["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", frame["payload"])
	}
	if payload["ActionID"] != "a1" {
		t.Fatalf("ActionID = %v", payload["ActionID"])
	}
}

func TestEvents_TopicPrefixFilter(t *testing.T) {
	eventBus := bus.New()
	srv, _ := newTestServer(t, gateway.Config{Bus: eventBus})

	conn := dialEvents(t, srv.URL, "?topic="+bus.TopicActionFinished, "")
	waitForSubscribers(t, eventBus, 1)

	// A non-matching topic must not reach the stream.
	eventBus.Publish(bus.TopicActionScheduled, bus.ActionScheduledEvent{ActionID: "skip"})
	eventBus.Publish(bus.TopicActionFinished, bus.ActionFinishedEvent{ActionID: "a2"})

	frame := readFrame(t, conn)
	if frame["topic"] != bus.TopicActionFinished {
		t.Fatalf("topic = %v, want only finished events", frame["topic"])
	}
}

func TestEvents_RequiresAuth(t *testing.T) {
	eventBus := bus.New()
	srv, _ := newTestServer(t, gateway.Config{Bus: eventBus, AuthToken: "secret"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/events", nil)
	if err == nil {
		t.Fatal("expected missing-auth dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing auth, got %+v", resp)
	}

	conn := dialEvents(t, srv.URL, "", "secret")
	waitForSubscribers(t, eventBus, 1)
	eventBus.Publish(bus.TopicActionFinished, bus.ActionFinishedEvent{ActionID: "ok"})
	frame := readFrame(t, conn)
	if frame["topic"] != bus.TopicActionFinished {
		t.Fatalf("topic = %v", frame["topic"])
	}
}

func TestEvents_UnavailableWithoutBus(t *testing.T) {
	srv, _ := newTestServer(t, gateway.Config{})

	resp := getJSON(t, srv.URL+"/events", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func waitForSubscribers(t *testing.T, b *bus.Bus, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bus never reached %d subscribers", want)
}
