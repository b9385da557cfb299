package realtime

import (
	"encoding/json"
	"testing"
)

func testClient(id string, buffer int) *Client {
	return &Client{ID: id, send: make(chan WSMessage, buffer)}
}

func TestPublishReachesAllClients(t *testing.T) {
	hub := NewHub(nil)
	a := testClient("a", 4)
	b := testClient("b", 4)
	hub.Register(a)
	hub.Register(b)

	hub.Publish("session_status", map[string]int{"elapsed": 12})

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.send:
			if msg.Event != "session_status" {
				t.Errorf("client %s: event = %q", c.ID, msg.Event)
			}
			var payload struct {
				Elapsed int `json:"elapsed"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Elapsed != 12 {
				t.Errorf("client %s: payload = %s", c.ID, msg.Data)
			}
		default:
			t.Errorf("client %s: no message delivered", c.ID)
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	hub := NewHub(nil)
	c := testClient("a", 1)
	hub.Register(c)

	hub.Publish("tick", 1)
	hub.Publish("tick", 2) // buffer full, must not block

	if got := len(c.send); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestSendToClientTargetsOne(t *testing.T) {
	hub := NewHub(nil)
	a := testClient("a", 4)
	b := testClient("b", 4)
	hub.Register(a)
	hub.Register(b)

	hub.SendToClient("a", "webrtc_answer", map[string]string{"sdp": "v=0"})
	hub.SendToClient("missing", "webrtc_answer", nil) // must not panic

	if len(a.send) != 1 {
		t.Errorf("client a buffered = %d, want 1", len(a.send))
	}
	if len(b.send) != 0 {
		t.Errorf("client b buffered = %d, want 0", len(b.send))
	}
}

func TestRegisterUnregisterCount(t *testing.T) {
	hub := NewHub(nil)
	a := testClient("a", 1)
	hub.Register(a)
	if hub.ClientCount() != 1 {
		t.Fatalf("count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(a)
	if hub.ClientCount() != 0 {
		t.Fatalf("count = %d, want 0", hub.ClientCount())
	}
	hub.Publish("tick", 1) // empty hub, must not panic
}
