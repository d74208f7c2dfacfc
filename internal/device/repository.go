package device

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Repository loads device descriptors.
// This abstraction lets tests supply an in-memory inventory.
type Repository interface {
	// List returns every device in the inventory.
	List(ctx context.Context) ([]Device, error)
}

// inventoryFile is the on-disk shape of the inventory.
type inventoryFile struct {
	Devices []Device `yaml:"devices"`
}

// FileRepository reads the inventory from a YAML file on every List call.
type FileRepository struct {
	path string
}

// NewFileRepository creates a repository for the inventory at path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Path returns the inventory file path.
func (r *FileRepository) Path() string {
	return r.path
}

// List reads, parses and validates the inventory file.
func (r *FileRepository) List(_ context.Context) ([]Device, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInventoryUnreadable, err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes YAML inventory data and validates every entry.
// IDs must be unique across the file.
func ParseInventory(data []byte) ([]Device, error) {
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("%w: parsing yaml: %v", ErrInventoryUnreadable, err)
	}

	seen := make(map[string]struct{}, len(inv.Devices))
	for i := range inv.Devices {
		d := &inv.Devices[i]
		if err := ValidateDevice(d); err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("devices[%d]: %w: %s", i, ErrDuplicateDevice, d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Name == "" {
			d.Name = d.ID
		}
	}
	return inv.Devices, nil
}

// StaticRepository serves a fixed device list.
type StaticRepository []Device

// List returns a copy of the static devices.
func (s StaticRepository) List(_ context.Context) ([]Device, error) {
	out := make([]Device, 0, len(s))
	for i := range s {
		out = append(out, *s[i].DeepCopy())
	}
	return out, nil
}
