package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/k1networth/activitypub-lmtp/internal/shared/events"
)

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNew(t *testing.T) {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("JST", 9*3600))
	e, err := events.New(events.TypeFollowAccepted, "https://a.example/follows/1", map[string]string{"actor": "bob"}, now)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.EventID == "" || e.EventType != events.TypeFollowAccepted || e.Aggregate != events.AggregateActivity {
		t.Fatalf("unexpected envelope %+v", e)
	}
	if e.OccurredAt.Location() != time.UTC || !e.OccurredAt.Equal(now) {
		t.Fatalf("expected UTC occurred_at, got %v", e.OccurredAt)
	}
	if string(e.Payload) != `{"actor":"bob"}` {
		t.Fatalf("unexpected payload %s", e.Payload)
	}

	if _, err := events.New("x", "y", make(chan int), now); err == nil {
		t.Fatalf("expected error for unencodable payload")
	}
}

func TestNoopPublisher(t *testing.T) {
	var pub events.Publisher = events.NoopPublisher{}
	if err := pub.Publish(context.Background(), events.Envelope{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	url := startTestNATS(t)

	pub, err := events.NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(events.SubjectPrefix+">", ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscriber: %v", err)
	}

	e, _ := events.New(events.TypeActivityReceived, "alice@a.example", map[string]int{"activities": 2}, time.Now())
	if err := pub.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Flush(ctx); err != nil {
		t.Fatalf("flush publisher: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Subject != "activitypub.activity.received" {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
		var got events.Envelope
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.EventID != e.EventID || got.AggregateID != "alice@a.example" {
			t.Fatalf("unexpected envelope %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	pub, err := events.NewNATSPublisher(startTestNATS(t))
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, events.Envelope{EventType: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewNATSPublisherUnreachable(t *testing.T) {
	if _, err := events.NewNATSPublisher("nats://127.0.0.1:1", nats.Timeout(200*time.Millisecond)); err == nil {
		t.Fatalf("expected connection error")
	}
}

type fakeProducer struct {
	key, value []byte
	headers    []kafka.Header
	timeout    time.Duration
	err        error
	closed     bool
}

func (f *fakeProducer) Produce(_ context.Context, msg kafka.Message, timeout time.Duration) error {
	f.key, f.value, f.headers, f.timeout = msg.Key, msg.Value, msg.Headers, timeout
	return f.err
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	fp := &fakeProducer{}
	pub := events.NewKafkaPublisher(fp, 3*time.Second)

	e, _ := events.New(events.TypeAcceptDelivered, "https://ipcnode.local/activities/x", nil, time.Now())
	if err := pub.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(fp.key) != "https://ipcnode.local/activities/x" {
		t.Fatalf("expected aggregate id as key, got %q", fp.key)
	}
	if len(fp.headers) != 2 || fp.headers[0].Key != "event_type" || string(fp.headers[0].Value) != events.TypeAcceptDelivered {
		t.Fatalf("unexpected headers %+v", fp.headers)
	}
	if fp.timeout != 3*time.Second {
		t.Fatalf("expected timeout to be passed through, got %v", fp.timeout)
	}
	var got events.Envelope
	if err := json.Unmarshal(fp.value, &got); err != nil || got.EventType != events.TypeAcceptDelivered {
		t.Fatalf("unexpected value %s (%v)", fp.value, err)
	}

	fp.err = errors.New("broker down")
	if err := pub.Publish(context.Background(), e); !errors.Is(err, fp.err) {
		t.Fatalf("expected producer error to be wrapped, got %v", err)
	}

	if err := pub.Close(); err != nil || !fp.closed {
		t.Fatalf("expected producer to be closed, err %v", err)
	}
}
