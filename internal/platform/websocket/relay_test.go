package websocket

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRelay_DeliversPublishedEvents(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	hub := NewHub()
	doctor := uuid.New()
	topic := DoctorTopic(doctor)
	client1 := &Client{ID: "c1", Topics: []string{topic}, Send: make(chan []byte, 4)}
	hub.Register(client1)

	channel := "lhp:test:events:" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Relay(ctx, client, channel, hub) }()

	pub := NewRedisPublisher(client, channel)
	ev, err := NewEvent("event.drafted", topic, "CONSULTATION", uuid.NewString(), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	// The subscription may not be live yet; publish until it is received.
	deadline := time.After(5 * time.Second)
	for {
		if err := pub.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case raw := <-client1.Send:
			var got Event
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != "event.drafted" || got.Topic != topic {
				t.Fatalf("unexpected event %+v", got)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("relay: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("event was not relayed")
		}
	}
}
