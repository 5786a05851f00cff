package store

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Device is a display the bridge sends commands to.
type Device struct {
	IEEEAddress  string    `json:"ieee_address"`
	ShortAddress uint16    `json:"short_address"`
	Endpoint     uint8     `json:"endpoint"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Model        string    `json:"model,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	LQI          uint8     `json:"lqi,omitempty"`
}

// Name returns the friendly name, or the IEEE address when none is set.
func (d *Device) Name() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.IEEEAddress
}

// NormalizeIEEE canonicalizes an IEEE address to "0x" + 16 lowercase hex
// digits. It accepts an optional 0x prefix and ':' or '-' separators.
func NormalizeIEEE(s string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(s))
	h = strings.TrimPrefix(h, "0x")
	h = strings.NewReplacer(":", "", "-", "").Replace(h)
	if len(h) != 16 {
		return "", fmt.Errorf("ieee address %q: want 16 hex digits", s)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("ieee address %q: %w", s, err)
	}
	return "0x" + h, nil
}
