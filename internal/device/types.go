package device

import "strings"

// Device describes one network-attached device the core can command.
// Descriptors come from the inventory file and are read-only at runtime.
type Device struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Kind         Kind              `yaml:"kind" json:"kind"`
	API          Endpoint          `yaml:"api" json:"api"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities,omitempty"`
	Labels       map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// Endpoint is the HTTP control surface of a device.
type Endpoint struct {
	// BaseURL is the root every relative request path is joined to.
	// Devices without one cannot be commanded over HTTP or probed.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// StatusPath overrides the reconciliation probe path.
	StatusPath string `yaml:"status_path" json:"status_path,omitempty"`

	Auth Auth `yaml:"auth" json:"auth"`
}

// Auth describes how requests to a device are authenticated.
// Tokens are read from the environment at call time and never stored.
type Auth struct {
	Type     AuthType `yaml:"type" json:"type,omitempty"`
	TokenEnv string   `yaml:"token_env" json:"token_env,omitempty"`
}

// AuthType selects the authentication scheme.
type AuthType string

// AuthType constants.
const (
	AuthNone   AuthType = ""
	AuthBearer AuthType = "bearer"
)

// Kind classifies a device. The core treats it as an opaque label; it is
// used for filtering and reported on the API.
type Kind string

// Known device kinds.
const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindBridge Kind = "bridge"
	KindCamera Kind = "camera"
)

// HasEndpoint reports whether the device can be reached over HTTP.
func (d *Device) HasEndpoint() bool {
	return strings.TrimSpace(d.API.BaseURL) != ""
}

// HasCapability reports whether the device advertises capability c.
func (d *Device) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// StatusPathOr returns the device's status path, or fallback when unset.
func (d *Device) StatusPathOr(fallback string) string {
	if d.API.StatusPath != "" {
		return d.API.StatusPath
	}
	return fallback
}

// DeepCopy returns an independent copy so cached descriptors cannot be
// mutated through returned values.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	if d.Capabilities != nil {
		cpy.Capabilities = make([]string, len(d.Capabilities))
		copy(cpy.Capabilities, d.Capabilities)
	}
	if d.Labels != nil {
		cpy.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			cpy.Labels[k] = v
		}
	}
	return &cpy
}
