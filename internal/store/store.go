package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrNameTaken is returned when a friendly name already belongs to another device.
var ErrNameTaken = errors.New("friendly name already in use")

// Store persists the addressing of target devices. Command values are never stored.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// FindDevice resolves a friendly name or IEEE address.
	FindDevice(nameOrIEEE string) (*Device, error)
	// FindByShortAddress resolves the sender of an incoming frame.
	FindByShortAddress(short uint16) (*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	Close() error
}
