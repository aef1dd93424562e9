package reconcile

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/manhavi/shopsync/internal/realtime"
)

var errMissingChannel = errors.New("reconcile: channel is required")

// Binding ties one live collection to the lifecycle events of its entity
// kind. Kinds the entity does not broadcast are left empty.
type Binding struct {
	Collection *Collection
	Created    realtime.EventKind
	Updated    realtime.EventKind
	Deleted    realtime.EventKind
}

// EventSource is the subscription surface the reconciler consumes. Both the
// realtime channel and a bare dispatcher satisfy it.
type EventSource interface {
	Subscribe(kind realtime.EventKind, handler realtime.Handler) *realtime.Subscription
}

// ReconcilerConfig configures a per-view reconciler.
type ReconcilerConfig struct {
	Channel EventSource
	// CompanyID is the viewer's authorization scope. The backend broadcasts
	// events for every company; scoping happens here, before apply.
	CompanyID string
	Bindings  []Binding
	Logger    *zap.Logger
}

// Reconciler merges channel events into the view's collections. Mount and
// Unmount are symmetric: every handler registered at mount is disposed at
// unmount, and a disposed handler never mutates a collection again.
type Reconciler struct {
	channel       EventSource
	companyID     string
	bindings      []Binding
	logger        *zap.Logger
	subscriptions []*realtime.Subscription
	mounted       bool
}

// NewReconciler validates dependencies and constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		channel:   cfg.Channel,
		companyID: cfg.CompanyID,
		bindings:  cfg.Bindings,
		logger:    logger,
	}, nil
}

// Mount registers one handler per bound lifecycle event. Calling Mount twice
// without an intervening Unmount is a no-op, so handlers are never duplicated.
func (r *Reconciler) Mount() {
	if r.mounted {
		return
	}
	r.mounted = true

	for _, binding := range r.bindings {
		collection := binding.Collection
		if binding.Created != "" {
			r.subscriptions = append(r.subscriptions, r.channel.Subscribe(binding.Created,
				r.scoped(collection.ApplyCreated)))
		}
		if binding.Updated != "" {
			r.subscriptions = append(r.subscriptions, r.channel.Subscribe(binding.Updated,
				r.scoped(collection.ApplyUpdated)))
		}
		if binding.Deleted != "" {
			// Deletion payloads carry only the id; an out-of-scope entity was
			// never applied, so the remove is a natural no-op.
			r.subscriptions = append(r.subscriptions, r.channel.Subscribe(binding.Deleted,
				collection.ApplyDeleted))
		}
	}
}

// Unmount disposes every handler registered at mount and closes the bound
// collections so late-resolving events are discarded.
func (r *Reconciler) Unmount() {
	if !r.mounted {
		return
	}
	r.mounted = false

	for _, subscription := range r.subscriptions {
		subscription.Dispose()
	}
	r.subscriptions = nil

	for _, binding := range r.bindings {
		binding.Collection.Close()
	}
}

type scopedSnapshot struct {
	CompanyID string `json:"companyId"`
}

// scoped filters events by the viewer's company scope before apply, since the
// backend does not filter the broadcast.
func (r *Reconciler) scoped(apply func(json.RawMessage)) realtime.Handler {
	return func(data json.RawMessage) {
		if r.companyID != "" {
			var snapshot scopedSnapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				r.logger.Warn("discarding malformed event payload", zap.Error(err))
				return
			}
			if snapshot.CompanyID != "" && snapshot.CompanyID != r.companyID {
				return
			}
		}
		apply(data)
	}
}
