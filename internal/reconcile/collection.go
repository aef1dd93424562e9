package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrMissingEntityID indicates a snapshot without a server-assigned id.
	ErrMissingEntityID = errors.New("reconcile: entity snapshot has no id")
)

type identifiedSnapshot struct {
	ID int64 `json:"id"`
}

// EntityID extracts the server-assigned numeric id from a snapshot payload.
func EntityID(data json.RawMessage) (int64, error) {
	var snapshot identifiedSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingEntityID, err)
	}
	if snapshot.ID == 0 {
		return 0, ErrMissingEntityID
	}
	return snapshot.ID, nil
}

// Collection is an insertion-ordered mapping from server-assigned id to the
// entity's current snapshot. Mutations are idempotent by id and event kind:
// a repeated created is a no-op, an updated or deleted for an absent id is a
// no-op, and a stale updated after deleted never resurrects the entity.
type Collection struct {
	mu     sync.Mutex
	order  []int64
	items  map[int64]json.RawMessage
	closed bool
}

// NewCollection constructs an empty Collection.
func NewCollection() *Collection {
	return &Collection{
		items: make(map[int64]json.RawMessage),
	}
}

// Load replaces the collection contents with a bulk snapshot from the remote
// API, preserving the given order.
func (c *Collection) Load(records []json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	c.order = c.order[:0]
	c.items = make(map[int64]json.RawMessage, len(records))
	for _, record := range records {
		id, err := EntityID(record)
		if err != nil {
			return err
		}
		if _, ok := c.items[id]; !ok {
			c.order = append(c.order, id)
		}
		c.items[id] = record
	}
	return nil
}

// ApplyCreated appends the snapshot when its id is absent.
func (c *Collection) ApplyCreated(data json.RawMessage) {
	id, err := EntityID(data)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.items[id]; ok {
		return
	}
	c.order = append(c.order, id)
	c.items[id] = data
}

// ApplyUpdated replaces the snapshot in place when its id is present.
func (c *Collection) ApplyUpdated(data json.RawMessage) {
	id, err := EntityID(data)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.items[id]; !ok {
		return
	}
	c.items[id] = data
}

// ApplyDeleted removes the entity by id. Deletion payloads carry only the id.
func (c *Collection) ApplyDeleted(data json.RawMessage) {
	id, err := EntityID(data)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.items[id]; !ok {
		return
	}
	delete(c.items, id)
	for index, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:index], c.order[index+1:]...)
			break
		}
	}
}

// Has reports whether an entity id is present.
func (c *Collection) Has(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// Get returns the current snapshot for an id.
func (c *Collection) Get(id int64) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.items[id]
	return snapshot, ok
}

// Len returns the number of entities held.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshots returns the held snapshots in insertion order.
func (c *Collection) Snapshots() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshots := make([]json.RawMessage, 0, len(c.order))
	for _, id := range c.order {
		snapshots = append(snapshots, c.items[id])
	}
	return snapshots
}

// Close marks the collection torn down. Every subsequent apply is discarded,
// so a network response or event that resolves after unmount has no effect.
func (c *Collection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
