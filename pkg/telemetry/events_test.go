package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestPublishRunStarted(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ep.Shutdown(ctx)
	})

	seen := make(chan Event, 1)
	ep.Subscribe(func(event Event) { seen <- event }, nil)

	if err := ep.PublishRunStarted("run-42", "package"); err != nil {
		t.Fatalf("PublishRunStarted: %v", err)
	}

	var event Event
	select {
	case event = <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	if event.Type != EventTypeRunStarted {
		t.Errorf("Type = %q", event.Type)
	}
	if event.RunID != "run-42" {
		t.Errorf("RunID = %q", event.RunID)
	}
	if want := "Run run-42 started for package command"; event.Message != want {
		t.Errorf("Message = %q, want %q", event.Message, want)
	}
	if event.Data["command"] != "package" {
		t.Errorf("Data[command] = %v", event.Data["command"])
	}
}
