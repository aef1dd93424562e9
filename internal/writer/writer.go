package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/manhavi/shopsync/internal/api"
	"github.com/manhavi/shopsync/internal/connectivity"
	"github.com/manhavi/shopsync/internal/store"
)

var (
	errMissingQueue   = errors.New("queue is required")
	errMissingRemote  = errors.New("remote API is required")
	errMissingMonitor = errors.New("connectivity monitor is required")
)

// Status classifies the user-visible outcome of an optimistic write.
type Status string

const (
	// StatusSaved means the server accepted the write immediately.
	StatusSaved Status = "saved"
	// StatusSavedOffline means the host was unreachable and the payload is
	// durably queued for replay.
	StatusSavedOffline Status = "saved_offline"
	// StatusRejected means the server refused the payload.
	StatusRejected Status = "rejected"
	// StatusUnauthorized means the session credential was refused.
	StatusUnauthorized Status = "unauthorized"
)

// Result reports what happened to an optimistic write.
type Result struct {
	Status Status
	// ServerRecord holds the confirmed entity when Status is StatusSaved.
	ServerRecord json.RawMessage
	// Entry holds the queued entry when Status is StatusSavedOffline.
	Entry store.QueueEntry
	// Reason carries the rejection detail for rejected and unauthorized writes.
	Reason string
}

// RemoteAPI is the subset of the REST client used for optimistic writes.
type RemoteAPI interface {
	CreatePurchase(ctx context.Context, payload json.RawMessage, idempotencyKey string) api.WriteOutcome
	CreateDispatch(ctx context.Context, payload json.RawMessage, idempotencyKey string) api.WriteOutcome
	CreateBill(ctx context.Context, payload json.RawMessage, idempotencyKey string) api.WriteOutcome
}

// Config configures the optimistic writer.
type Config struct {
	Queue   *store.Queue
	Remote  RemoteAPI
	Monitor *connectivity.Monitor
	Logger  *zap.Logger
}

// OptimisticWriter attempts every write against the remote API first and
// falls back to the durable queue only when the host is unreachable. A local
// storage failure propagates as a hard error so the caller can never report
// "saved offline" for a payload that was not durably queued.
type OptimisticWriter struct {
	queue   *store.Queue
	remote  RemoteAPI
	monitor *connectivity.Monitor
	logger  *zap.Logger
}

// New validates dependencies and constructs an OptimisticWriter.
func New(cfg Config) (*OptimisticWriter, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OptimisticWriter{
		queue:   cfg.Queue,
		remote:  cfg.Remote,
		monitor: cfg.Monitor,
		logger:  logger,
	}, nil
}

// Write performs an optimistic write of the given kind.
func (w *OptimisticWriter) Write(ctx context.Context, kind store.EntryKind, payload json.RawMessage) (Result, error) {
	outcome, err := w.attempt(ctx, kind, payload)
	if err != nil {
		return Result{}, err
	}

	switch outcome.Status {
	case api.WriteAccepted:
		return Result{Status: StatusSaved, ServerRecord: outcome.Record}, nil

	case api.WriteNetworkUnavailable:
		w.monitor.SetOnline(false)
		entry, err := w.queue.Enqueue(ctx, kind, string(payload))
		if err != nil {
			w.logger.Error("offline enqueue failed",
				zap.String("kind", kind.String()),
				zap.Error(err))
			return Result{}, err
		}
		w.logger.Info("write saved offline",
			zap.String("kind", kind.String()),
			zap.Int64("entry_id", entry.ID))
		return Result{Status: StatusSavedOffline, Entry: entry}, nil

	case api.WriteRejected:
		return Result{Status: StatusRejected, Reason: outcome.Reason}, nil

	case api.WriteUnauthorized:
		return Result{Status: StatusUnauthorized, Reason: outcome.Reason}, nil

	default:
		return Result{}, fmt.Errorf("unexpected write status %q", outcome.Status)
	}
}

// Optimistic writes do not carry an idempotency key; the key is minted at
// enqueue time and only replays need one, since only a replay can race a
// crash between server accept and local removal.
func (w *OptimisticWriter) attempt(ctx context.Context, kind store.EntryKind, payload json.RawMessage) (api.WriteOutcome, error) {
	switch kind {
	case store.EntryKindPurchase:
		return w.remote.CreatePurchase(ctx, payload, ""), nil
	case store.EntryKindDispatch:
		return w.remote.CreateDispatch(ctx, payload, ""), nil
	case store.EntryKindBill:
		return w.remote.CreateBill(ctx, payload, ""), nil
	default:
		return api.WriteOutcome{}, fmt.Errorf("%w: %q", store.ErrInvalidEntryKind, kind)
	}
}
