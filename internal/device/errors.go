package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not in the inventory.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDuplicateDevice is returned when the inventory lists an ID twice.
	ErrDuplicateDevice = errors.New("device: duplicate id")

	// ErrInvalidDevice is returned when an inventory entry fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInventoryUnreadable is returned when the inventory file cannot be read or parsed.
	ErrInventoryUnreadable = errors.New("device: inventory unreadable")
)
