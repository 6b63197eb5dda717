package sanitize

import "testing"

func TestForKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"nrf52840_xxAA", "nrf52840_xxAA"},
		{"sim://?demo=1", "sim_demo_1"},
		{"stlink://0483:3748", "stlink_0483_3748"},
		{"../etc", "etc"},
		{"", "default"},
		{"///", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ForKey(tt.input)
			if result != tt.expected {
				t.Errorf("ForKey(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
