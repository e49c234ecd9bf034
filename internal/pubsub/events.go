// Package pubsub fans events out to in-process subscribers over
// buffered channels. Its producer in ticketd is the logger: every
// formatted entry is published so the control plane can stream live
// log activity to HTTP clients without tailing the log file.
package pubsub

import "time"

// EventType tags what an event's payload carries.
type EventType string

// LogLineEvent marks a payload holding one formatted log entry.
const LogLineEvent EventType = "log.line"

// Event is a published payload with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
