package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEEAddress:  "00:12:4B:00:01:AB:CD:EF",
		ShortAddress: 0x1234,
		Endpoint:     1,
		FriendlyName: "kitchen_bins",
		Model:        "BinStatus",
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if dev.IEEEAddress != "0x00124b0001abcdef" {
		t.Errorf("normalized ieee = %q", dev.IEEEAddress)
	}
	if dev.AddedAt.IsZero() {
		t.Error("AddedAt not set")
	}

	got, err := s.GetDevice("0x00124B0001ABCDEF")
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddress != 0x1234 || got.Endpoint != 1 {
		t.Errorf("addressing = 0x%04X/%d", got.ShortAddress, got.Endpoint)
	}
	if got.FriendlyName != "kitchen_bins" || got.Model != "BinStatus" {
		t.Errorf("device = %+v", got)
	}
	if got.Name() != "kitchen_bins" {
		t.Errorf("Name() = %q", got.Name())
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetDevice("0x0000000000000001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDevice("garbage"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveDeviceRejectsBadIEEE(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{IEEEAddress: "0x1234"}); err == nil {
		t.Error("expected error for short IEEE address")
	}
}

func TestSaveDeviceDuplicateName(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001", FriendlyName: "bins"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000002", FriendlyName: "bins"}); !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate friendly name: err = %v, want ErrNameTaken", err)
	}
	// Re-saving the same device under its own name is fine.
	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001", FriendlyName: "bins", Endpoint: 2}); err != nil {
		t.Errorf("resave: %v", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)
	dev := &Device{IEEEAddress: "0x0000000000000001"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)
	for _, ieee := range []string{"0x0000000000000001", "0x0000000000000002", "0x0000000000000003"} {
		if err := s.SaveDevice(&Device{IEEEAddress: ieee}); err != nil {
			t.Fatal(err)
		}
	}
	devices, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 3 {
		t.Errorf("devices = %d, want 3", len(devices))
	}
}

func TestFindDevice(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{IEEEAddress: "0x00124b0001abcdef", FriendlyName: "bins", ShortAddress: 0x4321}); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"bins", "0x00124b0001abcdef", "00124B0001ABCDEF"} {
		dev, err := s.FindDevice(key)
		if err != nil {
			t.Fatalf("FindDevice(%q): %v", key, err)
		}
		if dev.FriendlyName != "bins" {
			t.Errorf("FindDevice(%q) = %+v", key, dev)
		}
	}
	if _, err := s.FindDevice("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	dev, err := s.FindByShortAddress(0x4321)
	if err != nil {
		t.Fatal(err)
	}
	if dev.FriendlyName != "bins" {
		t.Errorf("FindByShortAddress = %+v", dev)
	}
	if _, err := s.FindByShortAddress(0x0001); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001"}); err != nil {
		t.Fatal(err)
	}

	seen := time.Now().Truncate(time.Second)
	err := s.UpdateDevice("0x0000000000000001", func(dev *Device) error {
		dev.LastSeen = seen
		dev.LQI = 180
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDevice("0x0000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastSeen.Equal(seen) || got.LQI != 180 {
		t.Errorf("device = %+v", got)
	}

	if err := s.UpdateDevice("0x0000000000000009", func(*Device) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	wantErr := errors.New("abort")
	if err := s.UpdateDevice("0x0000000000000001", func(*Device) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestNormalizeIEEE(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0x00124B0001ABCDEF", "0x00124b0001abcdef", false},
		{"00124b0001abcdef", "0x00124b0001abcdef", false},
		{"00-12-4b-00-01-ab-cd-ef", "0x00124b0001abcdef", false},
		{"0x00124b0001abcdeg", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeIEEE(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeIEEE(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeIEEE(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
