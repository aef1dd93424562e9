package drainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

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

const (
	opDrain = "drainer.drain"
	opRun   = "drainer.run"
)

// RemoteAPI is the subset of the REST client the drainer replays against.
type RemoteAPI interface {
	CreatePurchase(ctx context.Context, payload json.RawMessage, idempotencyKey string) api.WriteOutcome
	CreateDispatch(ctx context.Context, payload json.RawMessage, idempotencyKey string) api.WriteOutcome
	CreateBill(ctx context.Context, payload json.RawMessage, idempotencyKey string) api.WriteOutcome
}

// Config configures the sync drainer.
type Config struct {
	Queue    *store.Queue
	Remote   RemoteAPI
	Monitor  *connectivity.Monitor
	Interval time.Duration
	Logger   *zap.Logger
}

// Report summarizes one drain pass.
type Report struct {
	Replayed int
	Held     int
	// Blocked is set when the pass stopped before exhausting the queue, with
	// the stopping entry's id recorded in BlockedEntryID.
	Blocked        bool
	BlockedEntryID int64
}

// Drainer replays queued writes oldest-first. It is the sole deleter of queue
// entries: an entry is removed only after the remote API confirmed the
// replay. The first failing entry stops the pass so later entries, which may
// depend on it, keep their order.
type Drainer struct {
	queue    *store.Queue
	remote   RemoteAPI
	monitor  *connectivity.Monitor
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	draining bool
}

// New validates dependencies and constructs a Drainer.
func New(cfg Config) (*Drainer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Drainer{
		queue:    cfg.Queue,
		remote:   cfg.Remote,
		monitor:  cfg.Monitor,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run drains on startup when the host is already online, on every
// offline-to-online transition, and defensively on a periodic ticker. Replay
// failures are logged and never fatal.
func (d *Drainer) Run(ctx context.Context) {
	dispose := d.monitor.OnBecameOnline(func() {
		go d.drainAbsorbed(ctx, "online_transition")
	})
	defer dispose()

	// Covers offline writes accumulated during a prior session that ended
	// while offline.
	if d.monitor.IsOnline() {
		d.drainAbsorbed(ctx, "startup")
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.monitor.IsOnline() {
				d.drainAbsorbed(ctx, "periodic")
			}
		}
	}
}

func (d *Drainer) drainAbsorbed(ctx context.Context, trigger string) {
	report, err := d.Drain(ctx)
	if err != nil {
		d.logError(opRun, "drain_failed", err, zap.String("trigger", trigger))
		return
	}
	if report.Replayed > 0 || report.Blocked {
		d.logger.Info("drain pass finished",
			zap.String("trigger", trigger),
			zap.Int("replayed", report.Replayed),
			zap.Bool("blocked", report.Blocked),
			zap.Int64("blocked_entry_id", report.BlockedEntryID))
	}
}

// Drain performs one pass over the pending queue in strict enqueue order.
// Only one pass runs at a time; a concurrent call returns immediately.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return Report{}, nil
	}
	d.draining = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.draining = false
		d.mu.Unlock()
	}()

	entries, err := d.queue.PendingOldestFirst(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{}
	for _, entry := range entries {
		outcome, err := d.replay(ctx, entry)
		if err != nil {
			return report, err
		}

		switch outcome.Status {
		case api.WriteAccepted:
			if err := d.queue.Remove(ctx, entry.ID); err != nil {
				// The server accepted the write; the idempotency key makes
				// the inevitable re-replay detectable.
				return report, err
			}
			report.Replayed++

		case api.WriteNetworkUnavailable:
			d.monitor.SetOnline(false)
			if err := d.queue.MarkFailed(ctx, entry.ID, outcome.Reason, false); err != nil {
				return report, err
			}
			report.Blocked = true
			report.BlockedEntryID = entry.ID
			return report, nil

		case api.WriteRejected:
			// Park the entry where the status API can show it instead of
			// retrying it silently forever. Later entries may reference it,
			// so the pass still stops here.
			d.logError(opDrain, "entry_rejected", nil,
				zap.Int64("entry_id", entry.ID),
				zap.String("kind", entry.Kind.String()),
				zap.String("detail", outcome.Reason))
			if err := d.queue.MarkFailed(ctx, entry.ID, outcome.Reason, true); err != nil {
				return report, err
			}
			report.Held++
			report.Blocked = true
			report.BlockedEntryID = entry.ID
			return report, nil

		case api.WriteUnauthorized:
			// Session teardown already fired inside the client; the entry
			// stays queued for a future authenticated session.
			d.logError(opDrain, "unauthorized", nil, zap.Int64("entry_id", entry.ID))
			report.Blocked = true
			report.BlockedEntryID = entry.ID
			return report, nil
		}
	}

	return report, nil
}

func (d *Drainer) replay(ctx context.Context, entry store.QueueEntry) (api.WriteOutcome, error) {
	payload := json.RawMessage(entry.PayloadJSON)
	switch entry.Kind {
	case store.EntryKindPurchase:
		return d.remote.CreatePurchase(ctx, payload, entry.IdempotencyKey), nil
	case store.EntryKindDispatch:
		return d.remote.CreateDispatch(ctx, payload, entry.IdempotencyKey), nil
	case store.EntryKindBill:
		return d.remote.CreateBill(ctx, payload, entry.IdempotencyKey), nil
	default:
		return api.WriteOutcome{}, fmt.Errorf("%w: %q", store.ErrInvalidEntryKind, entry.Kind)
	}
}

func (d *Drainer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("sync drainer error", attrs...)
}
