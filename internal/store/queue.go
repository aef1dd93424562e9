package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingKeyProvider = errors.New("key provider is required")
	noOpLogger            = zap.NewNop()
)

// QueueError wraps queue failures with a stable operation code.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

const (
	opQueueNew        = "store.queue.new"
	opEnqueue         = "store.enqueue"
	opPending         = "store.pending"
	opHeld            = "store.held"
	opRemove          = "store.remove"
	opMarkFailed      = "store.mark_failed"
	opQueueDepthCount = "store.depth"
)

func newQueueError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &QueueError{code: code, err: cause}
}

// KeyProvider issues idempotency keys for new queue entries.
type KeyProvider interface {
	NewKey() (string, error)
}

// QueueConfig configures the durable queue service.
type QueueConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	KeyProvider KeyProvider
	Logger      *zap.Logger
}

// Queue is the durable local queue. It persists provisional records and the
// FIFO replay queue in one SQLite transaction so a payload is never reported
// as saved offline unless both writes landed.
type Queue struct {
	db          *gorm.DB
	clock       func() time.Time
	keyProvider KeyProvider
	logger      *zap.Logger
}

// NewQueue validates dependencies and constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.KeyProvider == nil {
		return nil, newQueueError(opQueueNew, "missing_key_provider", errMissingKeyProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Queue{
		db:          cfg.Database,
		clock:       clock,
		keyProvider: cfg.KeyProvider,
		logger:      logger,
	}, nil
}

// Enqueue persists a payload for later replay together with its offline mirror
// record. The returned entry carries the idempotency key that will accompany
// every replay attempt. A storage failure is returned to the caller so the
// user is never told "saved offline" for a write that was not durably queued.
func (q *Queue) Enqueue(ctx context.Context, kind EntryKind, payloadJSON string) (QueueEntry, error) {
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return QueueEntry{}, newQueueError(opEnqueue, "invalid_kind", err)
	}
	if strings.TrimSpace(payloadJSON) == "" {
		return QueueEntry{}, newQueueError(opEnqueue, "empty_payload", ErrEmptyPayload)
	}

	key, err := q.keyProvider.NewKey()
	if err != nil {
		q.logError(opEnqueue, "key_generation_failed", err)
		return QueueEntry{}, newQueueError(opEnqueue, "key_generation_failed", err)
	}

	enqueuedAt := q.clock().UTC().Unix()
	entry := QueueEntry{
		Kind:              kind,
		PayloadJSON:       payloadJSON,
		IdempotencyKey:    key,
		EnqueuedAtSeconds: enqueuedAt,
	}

	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return createOfflineMirror(tx, entry)
	})
	if txErr != nil {
		q.logError(opEnqueue, "write_failed", txErr, zap.String("kind", kind.String()))
		return QueueEntry{}, newQueueError(opEnqueue, "write_failed", txErr)
	}

	return entry, nil
}

func createOfflineMirror(tx *gorm.DB, entry QueueEntry) error {
	switch entry.Kind {
	case EntryKindPurchase:
		return tx.Create(&OfflinePurchase{
			QueueEntryID:     entry.ID,
			PayloadJSON:      entry.PayloadJSON,
			CreatedAtSeconds: entry.EnqueuedAtSeconds,
		}).Error
	case EntryKindDispatch:
		return tx.Create(&OfflineDispatch{
			QueueEntryID:     entry.ID,
			PayloadJSON:      entry.PayloadJSON,
			CreatedAtSeconds: entry.EnqueuedAtSeconds,
		}).Error
	case EntryKindBill:
		return tx.Create(&OfflineBill{
			QueueEntryID:     entry.ID,
			PayloadJSON:      entry.PayloadJSON,
			CreatedAtSeconds: entry.EnqueuedAtSeconds,
		}).Error
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEntryKind, entry.Kind)
	}
}

// PendingOldestFirst returns entries that are eligible for replay, in strict
// enqueue order.
func (q *Queue) PendingOldestFirst(ctx context.Context) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := q.db.WithContext(ctx).
		Where("held = ?", false).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		q.logError(opPending, "query_failed", err)
		return nil, newQueueError(opPending, "query_failed", err)
	}
	return entries, nil
}

// HeldEntries returns entries parked after a server rejection, in enqueue
// order. Held entries stay visible until an operator intervenes.
func (q *Queue) HeldEntries(ctx context.Context) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := q.db.WithContext(ctx).
		Where("held = ?", true).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		q.logError(opHeld, "query_failed", err)
		return nil, newQueueError(opHeld, "query_failed", err)
	}
	return entries, nil
}

// Remove deletes a replayed entry and its offline mirror record. Only the sync
// drainer calls Remove, after the remote API confirmed the replay.
func (q *Queue) Remove(ctx context.Context, entryID int64) error {
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry QueueEntry
		err := tx.Where("id = ?", entryID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := deleteOfflineMirror(tx, entry); err != nil {
			return err
		}
		return tx.Delete(&QueueEntry{}, entryID).Error
	})
	if txErr != nil {
		q.logError(opRemove, "delete_failed", txErr, zap.Int64("entry_id", entryID))
		return newQueueError(opRemove, "delete_failed", txErr)
	}
	return nil
}

func deleteOfflineMirror(tx *gorm.DB, entry QueueEntry) error {
	switch entry.Kind {
	case EntryKindPurchase:
		return tx.Where("queue_entry_id = ?", entry.ID).Delete(&OfflinePurchase{}).Error
	case EntryKindDispatch:
		return tx.Where("queue_entry_id = ?", entry.ID).Delete(&OfflineDispatch{}).Error
	case EntryKindBill:
		return tx.Where("queue_entry_id = ?", entry.ID).Delete(&OfflineBill{}).Error
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEntryKind, entry.Kind)
	}
}

// MarkFailed records a failed replay attempt. When hold is true the entry is
// parked and excluded from future drain passes until released.
func (q *Queue) MarkFailed(ctx context.Context, entryID int64, reason string, hold bool) error {
	updates := map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": truncateReason(reason),
		"held":       hold,
	}
	err := q.db.WithContext(ctx).
		Model(&QueueEntry{}).
		Where("id = ?", entryID).
		Updates(updates).Error
	if err != nil {
		q.logError(opMarkFailed, "update_failed", err, zap.Int64("entry_id", entryID))
		return newQueueError(opMarkFailed, "update_failed", err)
	}
	return nil
}

// Release clears the held flag so a parked entry rejoins the drain order.
func (q *Queue) Release(ctx context.Context, entryID int64) error {
	err := q.db.WithContext(ctx).
		Model(&QueueEntry{}).
		Where("id = ?", entryID).
		Update("held", false).Error
	if err != nil {
		q.logError(opMarkFailed, "release_failed", err, zap.Int64("entry_id", entryID))
		return newQueueError(opMarkFailed, "release_failed", err)
	}
	return nil
}

// Depth reports the pending and held entry counts.
func (q *Queue) Depth(ctx context.Context) (pending int64, held int64, err error) {
	if err := q.db.WithContext(ctx).
		Model(&QueueEntry{}).
		Where("held = ?", false).
		Count(&pending).Error; err != nil {
		q.logError(opQueueDepthCount, "count_failed", err)
		return 0, 0, newQueueError(opQueueDepthCount, "count_failed", err)
	}
	if err := q.db.WithContext(ctx).
		Model(&QueueEntry{}).
		Where("held = ?", true).
		Count(&held).Error; err != nil {
		q.logError(opQueueDepthCount, "count_failed", err)
		return 0, 0, newQueueError(opQueueDepthCount, "count_failed", err)
	}
	return pending, held, nil
}

func truncateReason(reason string) string {
	const maxReasonLength = 512
	if len(reason) > maxReasonLength {
		return reason[:maxReasonLength]
	}
	return reason
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("durable queue error", attrs...)
}
