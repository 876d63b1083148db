package delivery

import (
	"testing"

	"ephemera/models"
)

func TestHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewHub(2)
	events, cancel := hub.Subscribe("alice")
	defer cancel()

	for i := 0; i < 5; i++ {
		hub.Publish("alice", models.StatusEvent{Type: models.StatusSent, ServerID: "m"})
	}
	if len(events) != 2 {
		t.Fatalf("expected buffer to hold 2 events, got %d", len(events))
	}
	if n := hub.Publish("bob", models.StatusEvent{Type: models.StatusSent}); n != 0 {
		t.Fatalf("publish without subscribers reached %d", n)
	}
}

func TestHubCancelAndClose(t *testing.T) {
	hub := NewHub(1)
	first, cancelFirst := hub.Subscribe("alice")
	second, cancelSecond := hub.Subscribe("alice")
	defer cancelSecond()

	if hub.Subscribers("alice") != 2 {
		t.Fatalf("expected 2 subscribers")
	}

	cancelFirst()
	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatalf("cancelled subscription must be closed")
	}
	if n := hub.Publish("alice", models.StatusEvent{Type: models.StatusDelivered}); n != 1 {
		t.Fatalf("expected one remaining subscriber, reached %d", n)
	}

	hub.Close()
	<-second
	if _, ok := <-second; ok {
		t.Fatalf("closed hub must close subscriptions")
	}

	late, _ := hub.Subscribe("alice")
	if _, ok := <-late; ok {
		t.Fatalf("subscribing to a closed hub must return a closed channel")
	}
}
