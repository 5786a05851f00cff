package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"binstatus-bridge/internal/store"
)

// ErrUnknownModel is returned when a device names a model no definition file declares.
var ErrUnknownModel = errors.New("unknown device model")

// DeviceManager tracks the displays the bridge addresses: persistence,
// the short address index used on the receive path, and per-device
// send rate limiting.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:     coord,
		logger:    coord.logger.With("component", "device_manager"),
		addrIndex: make(map[uint16]string),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// lookupIEEE finds the IEEE address for a short address from the in-memory index.
func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr]
}

// bySender returns the device that sent a frame, or nil if it is not known.
func (dm *DeviceManager) bySender(shortAddr uint16) *store.Device {
	ieee := dm.lookupIEEE(shortAddr)
	if ieee == "" {
		return nil
	}
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return nil
	}
	return dev
}

// Resolve finds a device by friendly name or IEEE address.
func (dm *DeviceManager) Resolve(nameOrIEEE string) (*store.Device, error) {
	return dm.coord.Store().FindDevice(nameOrIEEE)
}

// SaveDevice validates and persists a device, then emits device_updated.
func (dm *DeviceManager) SaveDevice(dev *store.Device) error {
	if dev.Model != "" && dm.coord.DeviceDB() != nil {
		def := dm.coord.DeviceDB().Lookup(dev.Model)
		if def == nil {
			return fmt.Errorf("%w: %q", ErrUnknownModel, dev.Model)
		}
		if dev.Endpoint == 0 {
			dev.Endpoint = def.Endpoint
		}
	}
	if dev.Endpoint == 0 {
		dev.Endpoint = 1
	}

	var prevShort uint16
	var hadPrev bool
	if prev, err := dm.coord.Store().GetDevice(dev.IEEEAddress); err == nil {
		prevShort, hadPrev = prev.ShortAddress, true
		if dev.AddedAt.IsZero() {
			dev.AddedAt = prev.AddedAt
		}
	}
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return err
	}

	dm.addrMu.Lock()
	if hadPrev && dm.addrIndex[prevShort] == dev.IEEEAddress {
		delete(dm.addrIndex, prevShort)
	}
	dm.addrIndex[dev.ShortAddress] = dev.IEEEAddress
	dm.addrMu.Unlock()

	dm.logger.Info("device saved", "ieee", dev.IEEEAddress, "name", dev.Name(),
		"short", fmt.Sprintf("0x%04X", dev.ShortAddress), "ep", dev.Endpoint)
	dm.coord.Events().Emit(Event{Type: EventDeviceUpdated, Data: dev})
	return nil
}

// RemoveDevice forgets a device. The device itself stays on the network.
func (dm *DeviceManager) RemoveDevice(nameOrIEEE string) error {
	dev, err := dm.Resolve(nameOrIEEE)
	if err != nil {
		return err
	}

	dm.addrMu.Lock()
	if dm.addrIndex[dev.ShortAddress] == dev.IEEEAddress {
		delete(dm.addrIndex, dev.ShortAddress)
	}
	dm.addrMu.Unlock()

	dm.limMu.Lock()
	delete(dm.limiters, dev.IEEEAddress)
	dm.limMu.Unlock()

	if err := dm.coord.Store().DeleteDevice(dev.IEEEAddress); err != nil {
		return err
	}
	dm.logger.Info("device removed", "ieee", dev.IEEEAddress, "name", dev.Name())
	dm.coord.Events().Emit(Event{Type: EventDeviceRemoved, Data: dev})
	return nil
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// limiter returns the send limiter for a device, creating it on first use.
func (dm *DeviceManager) limiter(ieee string) *rate.Limiter {
	dm.limMu.Lock()
	defer dm.limMu.Unlock()
	l, ok := dm.limiters[ieee]
	if !ok {
		cfg := dm.coord.config
		limit := rate.Inf
		if cfg.SendInterval > 0 {
			limit = rate.Every(cfg.SendInterval)
		}
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		dm.limiters[ieee] = l
	}
	return l
}

// touch records that a frame was heard from the device.
func (dm *DeviceManager) touch(ieee string, lqi uint8) {
	err := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		dev.LastSeen = time.Now()
		dev.LQI = lqi
		return nil
	})
	if err != nil {
		dm.logger.Warn("update last seen", "ieee", ieee, "err", err)
	}
}
