package model

import "time"

// StreamKind identifies one of the two live feeds.
type StreamKind string

const (
	StreamDomestic StreamKind = "domestic" // instrument ticks keyed by token
	StreamForeign  StreamKind = "foreign"  // FX/crypto/commodity ticks keyed by symbol
)

// StreamStatus is the connectivity state reported to subscribers.
type StreamStatus string

const (
	StatusConnected    StreamStatus = "connected"
	StatusDisconnected StreamStatus = "disconnected"
)

// EventType distinguishes tick events from status events.
type EventType int

const (
	EventTick EventType = iota
	EventStatus
)

// StreamEvent is what feeds hand to their subscribers.
type StreamEvent struct {
	Kind   StreamKind   `json:"kind"`
	Type   EventType    `json:"type"`
	Tick   Tick         `json:"tick,omitempty"`
	Status StreamStatus `json:"status,omitempty"`
	At     time.Time    `json:"at"`
}

// StatusEvent is the stream-status change published to presentation.
type StatusEvent struct {
	Kind   StreamKind   `json:"kind"`
	Status StreamStatus `json:"status"`
	At     time.Time    `json:"at"`
}
