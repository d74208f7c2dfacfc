package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "fleet"

// Topics builds fleet MQTT topics under a common prefix.
//
//	topics := mqtt.NewTopics("fleet")
//	topics.DeviceState("tv-1")      // fleet/state/tv-1
//	topics.Event("job.updated")     // fleet/events/job.updated
//	topics.Command("tv-1")          // fleet/command/tv-1
type Topics struct {
	prefix string
}

// NewTopics returns topic builders for prefix. Surrounding slashes are
// trimmed; an empty prefix uses DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	return t.root()
}

func (t Topics) root() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Event returns the topic a bus message of the given topic is relayed to.
//
// Example: fleet/events/state.updated
func (t Topics) Event(busTopic string) string {
	return t.root() + "/events/" + busTopic
}

// AllEvents matches every relayed bus message.
func (t Topics) AllEvents() string {
	return t.root() + "/events/+"
}

// DeviceState returns the retained state topic of one device.
//
// Example: fleet/state/tv-1
func (t Topics) DeviceState(deviceID string) string {
	return t.root() + "/state/" + deviceID
}

// Command returns the command ingress topic of one device.
//
// Example: fleet/command/tv-1
func (t Topics) Command(deviceID string) string {
	return t.root() + "/command/" + deviceID
}

// AllCommands matches the command ingress topic of every device.
func (t Topics) AllCommands() string {
	return t.root() + "/command/+"
}

// SystemStatus is the retained core status topic, also used for the LWT.
func (t Topics) SystemStatus() string {
	return t.root() + "/system/status"
}

// CommandDevice extracts the device id from a command topic.
// ok is false if topic is not a command topic under this prefix.
func (t Topics) CommandDevice(topic string) (deviceID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.root()+"/command/")
	if !found || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
