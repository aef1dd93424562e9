package realtime

import "encoding/json"

// EventKind names one entity-lifecycle event carried over the channel.
type EventKind string

// The full broadcast vocabulary. Payloads are complete entity snapshots,
// except deletions which carry only the entity id.
const (
	EventPurchaseCreated  EventKind = "purchase:created"
	EventInventoryUpdated EventKind = "inventory:updated"
	EventInventoryDeleted EventKind = "inventory:deleted"
	EventBillCreated      EventKind = "bill:created"
	EventBillUpdated      EventKind = "bill:updated"
	EventDispatchCreated  EventKind = "dispatch:created"
	EventPartyCreated     EventKind = "party:created"
	EventPartyUpdated     EventKind = "party:updated"
	EventPartyDeleted     EventKind = "party:deleted"
	EventStaffCreated     EventKind = "staff:created"
	EventStaffUpdated     EventKind = "staff:updated"
	EventStaffDeleted     EventKind = "staff:deleted"
)

// Envelope is the wire format for channel events.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}
