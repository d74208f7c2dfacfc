package device

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"tv-1", false},
		{"lobby.amp_2", false},
		{"", true},
		{"   ", true},
		{"-leading", true},
		{"has space", true},
		{"slash/inside", true},
		{"plus+", true},
		{strings.Repeat("a", maxIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("ValidateID(%q) error not ErrInvalidDevice: %v", tt.id, err)
			}
		})
	}
}

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name    string
		dev     *Device
		wantErr bool
	}{
		{"nil", nil, true},
		{"minimal", &Device{ID: "a"}, false},
		{"http endpoint", &Device{ID: "a", API: Endpoint{BaseURL: "http://10.0.0.1:80"}}, false},
		{"no host", &Device{ID: "a", API: Endpoint{BaseURL: "http://"}}, true},
		{"long name", &Device{ID: "a", Name: strings.Repeat("n", maxNameLength+1)}, true},
		{"too many caps", &Device{ID: "a", Capabilities: make([]string, maxCapabilities+1)}, true},
		{"bearer ok", &Device{ID: "a", API: Endpoint{Auth: Auth{Type: AuthBearer, TokenEnv: "T"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDevice(tt.dev)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
