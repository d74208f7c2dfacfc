package device

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation constants.
const (
	maxIDLength     = 64
	maxNameLength   = 100
	maxCapabilities = 50
	idPattern       = `^[a-zA-Z0-9][a-zA-Z0-9._-]*$`
)

var idRegex = regexp.MustCompile(idPattern)

// ValidateDevice checks one inventory entry.
// Returns an error wrapping ErrInvalidDevice describing the first failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateID(d.ID); err != nil {
		return err
	}

	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: %s: name exceeds %d characters", ErrInvalidDevice, d.ID, maxNameLength)
	}

	if len(d.Capabilities) > maxCapabilities {
		return fmt.Errorf("%w: %s: too many capabilities (%d, max %d)",
			ErrInvalidDevice, d.ID, len(d.Capabilities), maxCapabilities)
	}

	if d.HasEndpoint() {
		if err := validateBaseURL(d.API.BaseURL); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDevice, d.ID, err)
		}
	}

	switch d.API.Auth.Type {
	case AuthNone:
	case AuthBearer:
		if d.API.Auth.TokenEnv == "" {
			return fmt.Errorf("%w: %s: bearer auth requires token_env", ErrInvalidDevice, d.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unsupported auth type %q", ErrInvalidDevice, d.ID, d.API.Auth.Type)
	}

	return nil
}

// ValidateID checks that id is usable as a device identifier and as an
// MQTT topic segment.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDevice, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q must be alphanumeric with . _ or -", ErrInvalidDevice, id)
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url has no host")
	}
	return nil
}
