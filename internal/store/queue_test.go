package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticKeyGenerator struct {
	keys  []string
	index int
}

func (g *staticKeyGenerator) NewKey() (string, error) {
	if g.index >= len(g.keys) {
		return "", errors.New("exhausted keys")
	}
	key := g.keys[g.index]
	g.index++
	return key, nil
}

func TestEnqueuePersistsEntryAndMirror(t *testing.T) {
	queue, db := newTestQueue(t, []string{"key-1"})

	entry, err := queue.Enqueue(context.Background(), EntryKindPurchase, `{"item":"rice","qty":3}`)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if entry.ID == 0 {
		t.Fatalf("expected auto-assigned entry id")
	}
	if entry.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key key-1, got %q", entry.IdempotencyKey)
	}

	var mirror OfflinePurchase
	if err := db.Where("queue_entry_id = ?", entry.ID).Take(&mirror).Error; err != nil {
		t.Fatalf("expected offline mirror record: %v", err)
	}
	if mirror.PayloadJSON != `{"item":"rice","qty":3}` {
		t.Fatalf("mirror payload mismatch: %q", mirror.PayloadJSON)
	}
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	queue, _ := newTestQueue(t, []string{"key-1"})

	if _, err := queue.Enqueue(context.Background(), EntryKind("refund"), `{"x":1}`); !errors.Is(err, ErrInvalidEntryKind) {
		t.Fatalf("expected invalid kind error, got %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), EntryKindBill, "  "); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
}

func TestEnqueueSurfacesStorageFailure(t *testing.T) {
	queue, db := newTestQueue(t, []string{"key-1"})

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close db: %v", err)
	}

	if _, err := queue.Enqueue(context.Background(), EntryKindPurchase, `{"item":"salt"}`); err == nil {
		t.Fatalf("expected enqueue against closed store to fail loudly")
	}
}

func TestPendingOldestFirstPreservesEnqueueOrder(t *testing.T) {
	queue, _ := newTestQueue(t, []string{"key-1", "key-2", "key-3"})

	kinds := []EntryKind{EntryKindPurchase, EntryKindDispatch, EntryKindBill}
	for index, kind := range kinds {
		payload := fmt.Sprintf(`{"seq":%d}`, index)
		if _, err := queue.Enqueue(context.Background(), kind, payload); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}

	entries, err := queue.PendingOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(entries))
	}
	for index, entry := range entries {
		if entry.Kind != kinds[index] {
			t.Fatalf("entry %d kind mismatch: want %s got %s", index, kinds[index], entry.Kind)
		}
		if index > 0 && entries[index-1].ID >= entry.ID {
			t.Fatalf("entries out of id order: %d then %d", entries[index-1].ID, entry.ID)
		}
	}
}

func TestRemoveDeletesEntryAndMirror(t *testing.T) {
	queue, db := newTestQueue(t, []string{"key-1"})

	entry, err := queue.Enqueue(context.Background(), EntryKindDispatch, `{"dest":"warehouse"}`)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := queue.Remove(context.Background(), entry.ID); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	var remaining int64
	if err := db.Model(&QueueEntry{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected empty queue, got %d entries", remaining)
	}

	var mirrors int64
	if err := db.Model(&OfflineDispatch{}).Count(&mirrors).Error; err != nil {
		t.Fatalf("mirror count failed: %v", err)
	}
	if mirrors != 0 {
		t.Fatalf("expected mirror to be deleted, got %d", mirrors)
	}
}

func TestRemoveMissingEntryIsNoOp(t *testing.T) {
	queue, _ := newTestQueue(t, nil)

	if err := queue.Remove(context.Background(), 42); err != nil {
		t.Fatalf("removing an absent entry should succeed: %v", err)
	}
}

func TestMarkFailedHoldsEntryOutOfDrainOrder(t *testing.T) {
	queue, _ := newTestQueue(t, []string{"key-1", "key-2"})

	first, err := queue.Enqueue(context.Background(), EntryKindBill, `{"total":100}`)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), EntryKindBill, `{"total":200}`); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := queue.MarkFailed(context.Background(), first.ID, "HTTP 422: bad payload", true); err != nil {
		t.Fatalf("unexpected mark failed error: %v", err)
	}

	pending, err := queue.PendingOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected held entry excluded from pending, got %d entries", len(pending))
	}

	held, err := queue.HeldEntries(context.Background())
	if err != nil {
		t.Fatalf("unexpected held error: %v", err)
	}
	if len(held) != 1 {
		t.Fatalf("expected 1 held entry, got %d", len(held))
	}
	if held[0].Attempts != 1 {
		t.Fatalf("expected attempt count 1, got %d", held[0].Attempts)
	}
	if held[0].LastError != "HTTP 422: bad payload" {
		t.Fatalf("unexpected last error %q", held[0].LastError)
	}

	if err := queue.Release(context.Background(), first.ID); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	pending, err = queue.PendingOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("released entry should rejoin drain order at its original position")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	payload := `{"item":"sugar","qty":7,"rate":42.50}`

	{
		queue, db := newFileQueue(t, path, []string{"key-1"})
		if _, err := queue.Enqueue(context.Background(), EntryKindPurchase, payload); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			t.Fatalf("failed to unwrap sql db: %v", err)
		}
		if err := sqlDB.Close(); err != nil {
			t.Fatalf("failed to close db: %v", err)
		}
	}

	queue, _ := newFileQueue(t, path, nil)
	entries, err := queue.PendingOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected entry to survive reopen, got %d entries", len(entries))
	}
	if entries[0].PayloadJSON != payload {
		t.Fatalf("payload not preserved byte-for-byte: %q", entries[0].PayloadJSON)
	}
	if entries[0].IdempotencyKey != "key-1" {
		t.Fatalf("idempotency key not preserved: %q", entries[0].IdempotencyKey)
	}
}

func TestDepthCountsPendingAndHeld(t *testing.T) {
	queue, _ := newTestQueue(t, []string{"key-1", "key-2", "key-3"})

	for i := 0; i < 3; i++ {
		if _, err := queue.Enqueue(context.Background(), EntryKindPurchase, fmt.Sprintf(`{"seq":%d}`, i)); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	if err := queue.MarkFailed(context.Background(), 1, "rejected", true); err != nil {
		t.Fatalf("unexpected mark failed error: %v", err)
	}

	pending, held, err := queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("unexpected depth error: %v", err)
	}
	if pending != 2 || held != 1 {
		t.Fatalf("expected 2 pending and 1 held, got %d and %d", pending, held)
	}
}

func newTestQueue(t *testing.T, keys []string) (*Queue, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:shopsync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	return openQueue(t, dsn, keys)
}

func newFileQueue(t *testing.T, path string, keys []string) (*Queue, *gorm.DB) {
	t.Helper()
	return openQueue(t, path, keys)
}

func openQueue(t *testing.T, dsn string, keys []string) (*Queue, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&QueueEntry{}, &OfflinePurchase{}, &OfflineDispatch{}, &OfflineBill{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticKeyGenerator{keys: keys}
	clock := func() time.Time { return time.Unix(1750000000, 0).UTC() }

	queue, err := NewQueue(QueueConfig{
		Database:    db,
		Clock:       clock,
		KeyProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return queue, db
}
