package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"loom/internal/domain/models/flow"
)

func timeAt(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func TestEncodeMessage(t *testing.T) {
	data, err := encodeMessage(MsgWelcome, Welcome{
		ConnectionID: "conn-1",
		ChatID:       "chat-1",
		Identity:     flow.Identity{ID: "user-a", Name: "Ada", Color: "#60a5fa"},
	})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}

	var frame ServerMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != MsgWelcome {
		t.Errorf("frame type = %q, want %q", frame.Type, MsgWelcome)
	}

	var welcome Welcome
	if err := json.Unmarshal(frame.Data, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.ConnectionID != "conn-1" || welcome.ChatID != "chat-1" {
		t.Errorf("welcome = %+v", welcome)
	}
	if welcome.Identity.Name != "Ada" {
		t.Errorf("identity name = %q, want Ada", welcome.Identity.Name)
	}
}

func TestDecodePayload(t *testing.T) {
	var p NodeIDPayload
	if err := decodePayload(nil, &p); err == nil {
		t.Error("expected error for missing payload")
	}
	if err := decodePayload([]byte(`{`), &p); err == nil {
		t.Error("expected error for malformed payload")
	}
	if err := decodePayload([]byte(`{"nodeId":"n1"}`), &p); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if p.NodeID != "n1" {
		t.Errorf("node id = %q, want n1", p.NodeID)
	}
}

func TestSortParticipants(t *testing.T) {
	joined := func(sec int) Presence {
		return Presence{JoinedAt: timeAt(sec)}
	}
	a := joined(3)
	a.ConnectionID = "conn-a"
	b := joined(1)
	b.ConnectionID = "conn-b"
	c := joined(1)
	c.ConnectionID = "conn-a2"

	participants := []Presence{a, b, c}
	sortParticipants(participants)

	got := []string{
		participants[0].ConnectionID,
		participants[1].ConnectionID,
		participants[2].ConnectionID,
	}
	want := []string{"conn-a2", "conn-b", "conn-a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
