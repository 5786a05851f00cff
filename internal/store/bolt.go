package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	ieee, err := NormalizeIEEE(dev.IEEEAddress)
	if err != nil {
		return err
	}
	dev.IEEEAddress = ieee
	if dev.AddedAt.IsZero() {
		dev.AddedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if dev.FriendlyName != "" {
			if other, err := findByName(b, dev.FriendlyName); err == nil && other.IEEEAddress != ieee {
				return fmt.Errorf("%w: %q belongs to %s", ErrNameTaken, dev.FriendlyName, other.IEEEAddress)
			}
		}
		return putDevice(b, dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	key, err := NormalizeIEEE(ieee)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	var dev *Device
	err = s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx.Bucket(bucketDevices), key)
		return err
	})
	return dev, err
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	key, err := NormalizeIEEE(ieee)
	if err != nil {
		return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("device %s: %w", key, ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) FindDevice(nameOrIEEE string) (*Device, error) {
	if dev, err := s.GetDevice(nameOrIEEE); err == nil || !errors.Is(err, ErrNotFound) {
		return dev, err
	}
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = findByName(tx.Bucket(bucketDevices), nameOrIEEE)
		return err
	})
	return dev, err
}

func (s *BoltStore) FindByShortAddress(short uint16) (*Device, error) {
	var found *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			if dev.ShortAddress == short {
				found = &dev
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device 0x%04X: %w", short, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	key, err := NormalizeIEEE(ieee)
	if err != nil {
		return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		dev, err := getDevice(b, key)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		dev.IEEEAddress = key
		return putDevice(b, dev)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getDevice(b *bolt.Bucket, key string) (*Device, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", key, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

func putDevice(b *bolt.Bucket, dev *Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return err
	}
	return b.Put([]byte(dev.IEEEAddress), data)
}

func findByName(b *bolt.Bucket, name string) (*Device, error) {
	var found *Device
	err := b.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var dev Device
		if err := json.Unmarshal(v, &dev); err != nil {
			return err
		}
		if dev.FriendlyName == name {
			found = &dev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device %q: %w", name, ErrNotFound)
	}
	return found, nil
}
