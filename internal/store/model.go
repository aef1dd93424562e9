package store

import (
	"errors"
	"fmt"
	"strings"
)

// EntryKind enumerates the write operations that can be queued for replay.
type EntryKind string

const (
	// EntryKindPurchase queues a purchase entry creation.
	EntryKindPurchase EntryKind = "purchase"
	// EntryKindDispatch queues a dispatch creation.
	EntryKindDispatch EntryKind = "dispatch"
	// EntryKindBill queues a bill creation.
	EntryKindBill EntryKind = "bill"
)

var (
	// ErrInvalidEntryKind indicates an unknown queue entry kind.
	ErrInvalidEntryKind = errors.New("store: invalid entry kind")
	// ErrEmptyPayload indicates that a queue entry payload is empty.
	ErrEmptyPayload = errors.New("store: payload is required")
)

// ParseEntryKind validates raw input and returns an EntryKind.
func ParseEntryKind(rawInput string) (EntryKind, error) {
	switch EntryKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case EntryKindPurchase:
		return EntryKindPurchase, nil
	case EntryKindDispatch:
		return EntryKindDispatch, nil
	case EntryKindBill:
		return EntryKindBill, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, rawInput)
	}
}

// String returns the underlying kind value.
func (k EntryKind) String() string {
	return string(k)
}

// QueueEntry models one pending server operation awaiting replay. Entries are
// drained strictly in ascending id order, which matches enqueue order because
// the id is a local auto-increment.
type QueueEntry struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Kind              EntryKind `gorm:"column:kind;size:32;not null"`
	PayloadJSON       string    `gorm:"column:payload_json;type:text;not null"`
	IdempotencyKey    string    `gorm:"column:idempotency_key;size:64;not null;uniqueIndex:idx_sync_queue_idem"`
	EnqueuedAtSeconds int64     `gorm:"column:enqueued_at_s;not null;index:idx_sync_queue_enqueued"`
	Attempts          int64     `gorm:"column:attempts;not null;default:0"`
	LastError         string    `gorm:"column:last_error;size:512;not null;default:''"`
	Held              bool      `gorm:"column:held;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// OfflinePurchase mirrors a purchase written locally before server confirmation.
type OfflinePurchase struct {
	LocalID          int64  `gorm:"column:local_id;primaryKey;autoIncrement"`
	QueueEntryID     int64  `gorm:"column:queue_entry_id;not null;index"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_offline_purchases_created"`
}

// TableName provides the explicit table binding for GORM.
func (OfflinePurchase) TableName() string {
	return "purchases"
}

// OfflineDispatch mirrors a dispatch written locally before server confirmation.
type OfflineDispatch struct {
	LocalID          int64  `gorm:"column:local_id;primaryKey;autoIncrement"`
	QueueEntryID     int64  `gorm:"column:queue_entry_id;not null;index"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_offline_dispatches_created"`
}

// TableName provides the explicit table binding for GORM.
func (OfflineDispatch) TableName() string {
	return "dispatches"
}

// OfflineBill mirrors a bill written locally before server confirmation.
type OfflineBill struct {
	LocalID          int64  `gorm:"column:local_id;primaryKey;autoIncrement"`
	QueueEntryID     int64  `gorm:"column:queue_entry_id;not null;index"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_offline_bills_created"`
}

// TableName provides the explicit table binding for GORM.
func (OfflineBill) TableName() string {
	return "bills"
}
