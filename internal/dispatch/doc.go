// Package dispatch is the exposed surface of the command-dispatch core.
//
// Service.Enqueue turns an operator intent into a pending job, collapsing
// duplicates that share an active dedupe key, and records the matching
// "<command>.intent" event. The query methods read jobs, device states and
// the event log, and Snapshot builds the initial frame sent to live feed
// subscribers.
//
// Everything after enqueue is asynchronous: callers poll GetJob or
// subscribe to the event bus.
package dispatch
