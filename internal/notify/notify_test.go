package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestEventJSONShape(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ev := NewEvent(EventBookingPromoted, at)
	ev.ReservationID = "r1"
	ev.Status = "BOOKED"

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if m["type"] != "booking.promoted" {
		t.Fatalf("type = %v, want booking.promoted", m["type"])
	}
	if m["id"] == "" {
		t.Fatalf("missing id")
	}
	if _, ok := m["participant_ids"]; ok {
		t.Fatalf("empty participant_ids should be omitted")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	n := NewLogNotifier(log)

	ev := NewEvent(EventOccurrenceCancelled, time.Now())
	ev.OccurrenceID = "o1"
	ev.ParticipantIDs = []string{"a", "b"}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"event_type":"occurrence.cancelled"`, `"occurrence_id":"o1"`, `"participants":2`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestAMQPPublisherIntegration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("CLASSBOOK_TEST_AMQP_URL"))
	if url == "" {
		t.Skip("CLASSBOOK_TEST_AMQP_URL not set")
	}
	queue := "classbook.test." + time.Now().UTC().Format("20060102150405.000000")

	p := NewAMQPPublisher(url, queue, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ev := NewEvent(EventBookingCreated, time.Now())
	ev.ReservationID = "r1"
	if err := p.Notify(ctx, ev); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("Channel error: %v", err)
	}
	defer func() {
		_, _ = ch.QueueDelete(queue, false, false, false)
		_ = ch.Close()
	}()

	var (
		msg amqp.Delivery
		ok  bool
	)
	for i := 0; i < 50 && !ok; i++ {
		msg, ok, err = ch.Get(queue, true)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if !ok {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !ok {
		t.Fatalf("no message on %s", queue)
	}
	if msg.Type != string(EventBookingCreated) || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("message type=%q mode=%d", msg.Type, msg.DeliveryMode)
	}
}
