package events

import (
	"encoding/json"
	"time"
)

// Event origins.
const (
	OriginAPI    = "api"
	OriginWorker = "worker"
	OriginMQTT   = "mqtt"
	OriginCLI    = "cli"
)

// Event is an immutable record of something that happened to a device.
type Event struct {
	ID            string          `json:"id"`
	DeviceID      string          `json:"deviceId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Origin        string          `json:"origin"`
	JobID         string          `json:"jobId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Meta carries the optional attribution of an event.
type Meta struct {
	Origin        string
	JobID         string
	CorrelationID string
}

// New builds an event, encoding payload as JSON. A nil payload is stored
// as an empty object.
func New(deviceID, eventType string, payload any, meta Meta) (*Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	origin := meta.Origin
	if origin == "" {
		origin = OriginAPI
	}
	return &Event{
		DeviceID:      deviceID,
		EventType:     eventType,
		Payload:       raw,
		Origin:        origin,
		JobID:         meta.JobID,
		CorrelationID: meta.CorrelationID,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	return json.Marshal(payload)
}
