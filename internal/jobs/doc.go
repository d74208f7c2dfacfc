// Package jobs provides the durable Command Job Store.
//
// A Job records one command intent for one device together with its
// request definition and retry bookkeeping. The store enforces two rules:
//
//   - at most one pending or running job exists per dedupe key; Create
//     returns the existing job instead of inserting a duplicate
//   - status changes follow ValidTransitions and are applied with a
//     guarded UPDATE, so a job cannot be finalised twice
//
// Claim hands out the oldest due pending job in creation order. It is
// meant for a single worker; the SQLite pool is limited to one connection
// so the select and update cannot interleave with another writer.
package jobs
