// Package events defines the structured state changes the hub emits and the
// emitter seam downstream delivery hangs off.
package events

import "time"

// Event represents a structured state change emitted by the hub.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (webhooks, metrics).
// Emission happens after the owning database transaction commits; ordering
// within a single participant's stream follows commit order.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans one event out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Event type names carried on the wire.
const (
	TypePaymentCommitted  = "payment.committed"
	TypePaymentAborted    = "payment.aborted"
	TypeClearingCommitted = "clearing.committed"
	TypeTrustLineUpdated  = "trustline.updated"
)

// PaymentCommitted is emitted when a payment reaches COMMITTED.
type PaymentCommitted struct {
	TxID       string     `json:"tx_id"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Equivalent string     `json:"equivalent"`
	Amount     string     `json:"amount"`
	Routes     [][]string `json:"routes"`
	Timestamp  time.Time  `json:"timestamp"`
}

// EventType satisfies Event.
func (PaymentCommitted) EventType() string { return TypePaymentCommitted }

// PaymentAborted is emitted when a payment reaches ABORTED.
type PaymentAborted struct {
	TxID       string    `json:"tx_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Equivalent string    `json:"equivalent"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventType satisfies Event.
func (PaymentAborted) EventType() string { return TypePaymentAborted }

// ClearingCommitted is emitted when a cycle is netted.
type ClearingCommitted struct {
	TxID       string    `json:"tx_id"`
	Equivalent string    `json:"equivalent"`
	Cycle      []string  `json:"cycle"`
	Delta      string    `json:"delta"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventType satisfies Event.
func (ClearingCommitted) EventType() string { return TypeClearingCommitted }

// TrustLineUpdated is emitted when a trust line is created, changed or
// closed.
type TrustLineUpdated struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Equivalent string    `json:"equivalent"`
	Limit      string    `json:"limit"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventType satisfies Event.
func (TrustLineUpdated) EventType() string { return TypeTrustLineUpdated }
