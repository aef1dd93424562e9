package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/manhavi/shopsync/internal/api"
	"github.com/manhavi/shopsync/internal/connectivity"
	"github.com/manhavi/shopsync/internal/store"
)

type stubRemote struct {
	outcome api.WriteOutcome
	calls   int
	lastKey string
}

func (s *stubRemote) create(_ json.RawMessage, key string) api.WriteOutcome {
	s.calls++
	s.lastKey = key
	return s.outcome
}

func (s *stubRemote) CreatePurchase(_ context.Context, payload json.RawMessage, key string) api.WriteOutcome {
	return s.create(payload, key)
}

func (s *stubRemote) CreateDispatch(_ context.Context, payload json.RawMessage, key string) api.WriteOutcome {
	return s.create(payload, key)
}

func (s *stubRemote) CreateBill(_ context.Context, payload json.RawMessage, key string) api.WriteOutcome {
	return s.create(payload, key)
}

func newWriterQueue(t *testing.T) (*store.Queue, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:writer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&store.QueueEntry{},
		&store.OfflinePurchase{},
		&store.OfflineDispatch{},
		&store.OfflineBill{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	queue, err := store.NewQueue(store.QueueConfig{
		Database:    db,
		KeyProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return queue, db
}

func newTestWriter(t *testing.T, queue *store.Queue, remote RemoteAPI, monitor *connectivity.Monitor) *OptimisticWriter {
	t.Helper()
	optimistic, err := New(Config{Queue: queue, Remote: remote, Monitor: monitor})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}
	return optimistic
}

func TestAcceptedWriteReturnsServerRecord(t *testing.T) {
	queue, _ := newWriterQueue(t)
	remote := &stubRemote{outcome: api.WriteOutcome{
		Status: api.WriteAccepted,
		Record: json.RawMessage(`{"id":7,"item":"wheat"}`),
	}}
	optimistic := newTestWriter(t, queue, remote, connectivity.NewMonitor(true))

	result, err := optimistic.Write(context.Background(), store.EntryKindPurchase, json.RawMessage(`{"item":"wheat"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSaved {
		t.Fatalf("expected saved, got %s", result.Status)
	}
	if string(result.ServerRecord) != `{"id":7,"item":"wheat"}` {
		t.Fatalf("unexpected server record %s", result.ServerRecord)
	}
	if remote.lastKey != "" {
		t.Fatalf("optimistic write must not send an idempotency key, got %q", remote.lastKey)
	}

	pending, err := queue.PendingOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("accepted write must not be queued, got %d entries", len(pending))
	}
}

func TestUnreachableHostQueuesTheWrite(t *testing.T) {
	queue, _ := newWriterQueue(t)
	remote := &stubRemote{outcome: api.WriteOutcome{
		Status: api.WriteNetworkUnavailable,
		Reason: "dial tcp: connection refused",
	}}
	monitor := connectivity.NewMonitor(true)
	optimistic := newTestWriter(t, queue, remote, monitor)

	payload := `{"dest":"warehouse","qty":4}`
	result, err := optimistic.Write(context.Background(), store.EntryKindDispatch, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSavedOffline {
		t.Fatalf("expected saved offline, got %s", result.Status)
	}
	if result.Entry.PayloadJSON != payload {
		t.Fatalf("queued payload mismatch: %q", result.Entry.PayloadJSON)
	}
	if result.Entry.IdempotencyKey == "" {
		t.Fatalf("queued entry must carry an idempotency key for replay")
	}
	if monitor.IsOnline() {
		t.Fatalf("an unreachable write should flip the monitor offline")
	}
}

func TestStorageFailurePropagatesInsteadOfClaimingSavedOffline(t *testing.T) {
	queue, db := newWriterQueue(t)
	remote := &stubRemote{outcome: api.WriteOutcome{Status: api.WriteNetworkUnavailable}}
	optimistic := newTestWriter(t, queue, remote, connectivity.NewMonitor(true))

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close db: %v", err)
	}

	if _, err := optimistic.Write(context.Background(), store.EntryKindBill, json.RawMessage(`{"total":10}`)); err == nil {
		t.Fatalf("a write that was not durably queued must fail loudly")
	}
}

func TestRejectedWriteCarriesReason(t *testing.T) {
	queue, _ := newWriterQueue(t)
	remote := &stubRemote{outcome: api.WriteOutcome{
		Status: api.WriteRejected,
		Reason: "HTTP 422: negative total",
	}}
	optimistic := newTestWriter(t, queue, remote, connectivity.NewMonitor(true))

	result, err := optimistic.Write(context.Background(), store.EntryKindBill, json.RawMessage(`{"total":-5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}
	if result.Reason != "HTTP 422: negative total" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}

	pending, err := queue.PendingOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("a rejected write must not be queued for replay")
	}
}

func TestUnknownKindIsAnError(t *testing.T) {
	queue, _ := newWriterQueue(t)
	optimistic := newTestWriter(t, queue, &stubRemote{}, connectivity.NewMonitor(true))

	if _, err := optimistic.Write(context.Background(), store.EntryKind("refund"), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
