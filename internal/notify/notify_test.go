package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingNotifier struct {
	got []Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakePublisher struct {
	channels []string
	payloads []string
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("sink down")}

	m := Multi{ok, bad}
	err := m.Notify(context.Background(), Notification{Recipient: "u1", Title: "t"})
	if err == nil {
		t.Fatal("expected joined error, got nil")
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Errorf("every sink should be called once, got %d and %d", len(ok.got), len(bad.got))
	}
}

func TestSendStampsAndSwallowsErrors(t *testing.T) {
	sink := &recordingNotifier{err: errors.New("unreachable")}

	Send(context.Background(), sink, Notification{Recipient: "u1", Title: "hello"})

	if len(sink.got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sink.got))
	}
	if sink.got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}

	// nil notifier is a no-op
	Send(context.Background(), nil, Notification{})
}

type blockingNotifier struct {
	hadDeadline bool
}

func (b *blockingNotifier) Notify(ctx context.Context, _ Notification) error {
	_, b.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestSendGivesUpOnSlowSink(t *testing.T) {
	prev := SendTimeout
	SendTimeout = 20 * time.Millisecond
	t.Cleanup(func() { SendTimeout = prev })

	sink := &blockingNotifier{}
	start := time.Now()
	Send(context.Background(), sink, Notification{Recipient: "u1", Title: "hello"})

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send() blocked for %s", elapsed)
	}
	if !sink.hadDeadline {
		t.Error("expected the delivery context to carry a deadline")
	}
}

func TestKafkaNotify(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "notifications"}

	n := Notification{
		Recipient: "user-1",
		Type:      TypeOrderExecuted,
		Title:     "Order executed",
		Message:   "Bought 10 TCS",
		CreatedAt: time.Now(),
	}
	if err := k.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify() returned error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "user-1" {
		t.Errorf("message key = %q, want user-1", w.msgs[0].Key)
	}

	var decoded Notification
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.Title != n.Title || decoded.Type != n.Type {
		t.Errorf("decoded = %+v, want %+v", decoded, n)
	}

	w.err = errors.New("broker unavailable")
	if err := k.Notify(context.Background(), n); err == nil {
		t.Error("expected error when writer fails")
	}
}

func TestRedisChannels(t *testing.T) {
	pub := &fakePublisher{}
	r := &Redis{client: pub, prefix: "klear:"}

	ctx := context.Background()
	if err := r.Notify(ctx, Notification{Recipient: "user-7", Title: "a"}); err != nil {
		t.Fatalf("Notify() returned error: %v", err)
	}
	if err := r.Notify(ctx, Notification{Recipient: Broadcast, Title: "b"}); err != nil {
		t.Fatalf("Notify() returned error: %v", err)
	}

	want := []string{"klear:user:user-7", "klear:broadcast"}
	for i, ch := range want {
		if pub.channels[i] != ch {
			t.Errorf("channel[%d] = %q, want %q", i, pub.channels[i], ch)
		}
	}
}

func TestDatabaseInbox(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	ctx := context.Background()

	base := time.Date(2024, 6, 12, 9, 15, 0, 0, time.UTC)
	items := []Notification{
		{Recipient: "alice", Type: TypeOrderExecuted, Title: "one", CreatedAt: base, Metadata: map[string]interface{}{"order_id": "o1"}},
		{Recipient: Broadcast, Type: TypeMarketOpen, Title: "open", CreatedAt: base.Add(time.Second)},
		{Recipient: "bob", Type: TypeOrderFailed, Title: "other", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, n := range items {
		if err := db.Notify(ctx, n); err != nil {
			t.Fatalf("Notify() returned error: %v", err)
		}
	}

	records, err := db.ListForUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListForUser() returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for alice, got %d", len(records))
	}
	if records[0].Title != "open" || records[1].Title != "one" {
		t.Errorf("records not newest first: %q, %q", records[0].Title, records[1].Title)
	}
	if records[1].Metadata == "" {
		t.Error("metadata should be stored as JSON")
	}

	if err := db.MarkRead(ctx, "alice", records[1].NotificationID); err != nil {
		t.Fatalf("MarkRead() returned error: %v", err)
	}
	if err := db.MarkRead(ctx, "alice", records[0].NotificationID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("MarkRead(broadcast) error = %v, want ErrRecordNotFound", err)
	}
}
