// Package events provides the device event log and the in-process Event Bus.
//
// Events are immutable. The Store appends them to SQLite and serves
// newest-first queries with an exclusive since cursor. The Bus fans
// job, state and event changes out to live subscribers; Recorder ties the
// two together so every stored event is also published as event.appended.
//
// Delivery on the bus is best effort and at most once per subscriber.
// A slow subscriber loses messages; it never slows a publisher down.
package events
