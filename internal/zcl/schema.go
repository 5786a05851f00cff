package zcl

import (
	"encoding/json"
	"fmt"
)

// FieldSpec defines one fixed-width field of a command payload.
type FieldSpec struct {
	Name string
	Type uint8
}

type fieldSpecJSON struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// MarshalJSON renders the wire type by name ("uint32").
func (f FieldSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldSpecJSON{Name: f.Name, Type: TypeName(f.Type)})
}

// UnmarshalJSON accepts the wire type by name.
func (f *FieldSpec) UnmarshalJSON(data []byte) error {
	var raw fieldSpecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := ParseTypeName(raw.Type)
	if err != nil {
		return fmt.Errorf("field %q: %w", raw.Name, err)
	}
	f.Name = raw.Name
	f.Type = t
	return nil
}

// Identity addresses a manufacturer-specific cluster command.
type Identity struct {
	ManufacturerCode uint16 `json:"manufacturer_code"`
	ClusterID        uint16 `json:"cluster_id"`
	CommandID        uint8  `json:"command_id"`
}

func (id Identity) String() string {
	return fmt.Sprintf("0x%04X/0x%04X/0x%02X", id.ManufacturerCode, id.ClusterID, id.CommandID)
}

// CommandSchema describes a vendor extension command: its identity and the
// ordered list of payload fields. Field order is the wire order.
type CommandSchema struct {
	Name    string `json:"name"`
	Cluster string `json:"cluster,omitempty"`
	Identity
	Fields []FieldSpec `json:"fields"`
	// Expose is the JSON key the logical value is published under
	// (e.g. "display_times"). Defaults to Name.
	Expose      string `json:"expose,omitempty"`
	Description string `json:"description,omitempty"`
}

// FindField looks up a field by name.
func (s *CommandSchema) FindField(name string) *FieldSpec {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// PayloadSize returns the encoded payload length in bytes.
func (s *CommandSchema) PayloadSize() int {
	n := 0
	for _, f := range s.Fields {
		n += TypeSize(f.Type)
	}
	return n
}

// ExposeKey returns the JSON key for the schema's logical value.
func (s *CommandSchema) ExposeKey() string {
	if s.Expose != "" {
		return s.Expose
	}
	return s.Name
}

// Validate checks the structural invariants of the schema.
func (s *CommandSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema %s: empty name", s.Identity)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q: no fields", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q: field with empty name", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !IsFixedUnsigned(f.Type) {
			return fmt.Errorf("schema %q: field %q has unsupported type %s", s.Name, f.Name, TypeName(f.Type))
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the schema.
func (s *CommandSchema) DeepCopy() CommandSchema {
	cp := *s
	if s.Fields != nil {
		cp.Fields = make([]FieldSpec, len(s.Fields))
		copy(cp.Fields, s.Fields)
	}
	return cp
}
