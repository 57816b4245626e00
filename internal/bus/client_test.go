package bus_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mic/internal/bus/bustest"
	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestPublishJSON(t *testing.T) {
	client := bustest.Connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	received := make(chan protocol.ScreenState, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectScreenState, func(msg *nats.Msg) {
		var state protocol.ScreenState
		if err := json.Unmarshal(msg.Data, &state); err == nil {
			received <- state
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectScreenState, protocol.ScreenState{Text: "hello", ControlLabel: "Start Recording"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case state := <-received:
		if state.Text != "hello" {
			t.Fatalf("unexpected text %q", state.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
