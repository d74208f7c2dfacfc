// Package api exposes the dispatch core over HTTP.
//
// REST endpoints under /api/v1 cover enqueue, job lookup, device states,
// the event log and metrics. GET /api/v1/stream upgrades to a WebSocket
// live feed: the client first receives a snapshot of every device state
// and the most recent jobs, then every bus message as it is published.
// Clients can narrow the stream with subscribe and unsubscribe messages.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
