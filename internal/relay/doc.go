// Package relay bridges the in-process event bus and MQTT.
//
// Outbound, every bus message is published to <prefix>/events/<topic>
// and every state.updated is also published retained to
// <prefix>/state/<deviceId>. Inbound, JSON enqueue requests on
// <prefix>/command/<deviceId> are passed to the dispatch service with
// origin "mqtt".
package relay
