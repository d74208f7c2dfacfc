// Package mqtt connects fleetd to an MQTT broker.
//
// The client relays bus messages out and accepts command ingress in. All
// topics live under a configurable prefix (see Topics):
//
//	<prefix>/events/<topic>    every bus message, not retained
//	<prefix>/state/<deviceId>  latest DeviceState, retained
//	<prefix>/command/<deviceId> inbound enqueue requests
//	<prefix>/system/status     core online/offline, retained, also the LWT
//
// The connection auto-reconnects with backoff and restores subscriptions.
// Handlers run on paho goroutines and are wrapped with panic recovery.
package mqtt
