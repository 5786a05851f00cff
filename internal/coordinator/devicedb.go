package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"binstatus-bridge/internal/zcl"
)

// ModelDefinition describes a display model and the command schemas it accepts.
type ModelDefinition struct {
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Description  string   `json:"description,omitempty"`
	Endpoint     uint8    `json:"endpoint,omitempty"`
	Commands     []string `json:"commands"`
}

// Accepts reports whether the model supports the named command schema.
// A model without a command list accepts every registered schema.
func (m *ModelDefinition) Accepts(schema string) bool {
	if len(m.Commands) == 0 {
		return true
	}
	for _, c := range m.Commands {
		if c == schema {
			return true
		}
	}
	return false
}

// DeviceDB holds model definitions keyed by model name.
type DeviceDB struct {
	defs map[string]*ModelDefinition
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[string]*ModelDefinition)}
}

// Add inserts a model definition, replacing any with the same model name.
func (db *DeviceDB) Add(def ModelDefinition) {
	cp := def
	cp.Commands = append([]string(nil), def.Commands...)
	db.defs[def.Model] = &cp
}

// Lookup finds a model definition by name.
func (db *DeviceDB) Lookup(model string) *ModelDefinition {
	return db.defs[model]
}

// Models returns all definitions sorted by model name.
func (db *DeviceDB) Models() []ModelDefinition {
	out := make([]ModelDefinition, 0, len(db.defs))
	for _, d := range db.defs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Len returns the number of model definitions.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// deviceFile is the JSON structure for files in the devices directory.
type deviceFile struct {
	Commands []zcl.CommandSchema `json:"commands,omitempty"`
	Models   []ModelDefinition   `json:"models,omitempty"`
}

// LoadDeviceDir reads all *.json files from a directory, registering extra
// command schemas into the registry and loading model definitions into a
// DeviceDB. A missing or empty directory yields an empty DeviceDB.
//
// Any schema the registry rejects aborts loading. Models that reference a
// command no file registered are rejected as well.
func LoadDeviceDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()
	if dir == "" {
		return db, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, c := range df.Commands {
			if err := registry.Register(c); err != nil {
				return db, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
		}
		for _, m := range df.Models {
			if m.Model == "" {
				return db, fmt.Errorf("%s: model without name", filepath.Base(path))
			}
			db.Add(m)
		}

		logger.Info("loaded device file", "path", filepath.Base(path),
			"commands", len(df.Commands), "models", len(df.Models))
	}

	for _, m := range db.defs {
		for _, name := range m.Commands {
			if _, ok := registry.Lookup(name); !ok {
				return db, fmt.Errorf("model %q: unknown command %q", m.Model, name)
			}
		}
	}

	logger.Info("device database loaded", "files", len(matches), "models", db.Len(), "schemas", registry.Len())
	return db, nil
}
