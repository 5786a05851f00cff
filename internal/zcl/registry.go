package zcl

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
)

var (
	// ErrDuplicateSchema is returned when a schema's identity or name is already registered.
	ErrDuplicateSchema = errors.New("duplicate schema")
	// ErrInvalidSchema is returned for schemas with no fields, unnamed or duplicate fields.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("registry frozen")
)

// SchemaError reports a rejected registration.
type SchemaError struct {
	Schema string
	Err    error // ErrDuplicateSchema, ErrInvalidSchema or ErrRegistryFrozen
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("zcl: register %q: %v: %s", e.Schema, e.Err, e.Detail)
	}
	return fmt.Sprintf("zcl: register %q: %v", e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Registry holds the known command schemas.
//
// Register is called from a single goroutine during startup. After Freeze
// the registry is read-only and safe for concurrent lookups without locking.
type Registry struct {
	byName     map[string]*CommandSchema
	byIdentity map[Identity]*CommandSchema
	frozen     atomic.Bool
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byName:     make(map[string]*CommandSchema),
		byIdentity: make(map[Identity]*CommandSchema),
		logger:     logger,
	}
}

// Register adds a command schema. On error the registry is unchanged.
func (r *Registry) Register(s CommandSchema) error {
	if r.frozen.Load() {
		return &SchemaError{Schema: s.Name, Err: ErrRegistryFrozen}
	}
	if err := s.Validate(); err != nil {
		return &SchemaError{Schema: s.Name, Err: ErrInvalidSchema, Detail: err.Error()}
	}
	if existing, ok := r.byIdentity[s.Identity]; ok {
		return &SchemaError{Schema: s.Name, Err: ErrDuplicateSchema,
			Detail: fmt.Sprintf("identity %s already used by %q", s.Identity, existing.Name)}
	}
	if _, ok := r.byName[s.Name]; ok {
		return &SchemaError{Schema: s.Name, Err: ErrDuplicateSchema, Detail: "name already registered"}
	}

	clone := s.DeepCopy()
	r.byName[s.Name] = &clone
	r.byIdentity[s.Identity] = &clone
	r.logger.Debug("command schema registered", "name", s.Name, "identity", s.Identity.String(), "fields", len(s.Fields))
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	if r.frozen.CompareAndSwap(false, true) {
		r.logger.Debug("command schema registry frozen", "schemas", len(r.byName))
	}
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns a schema by symbolic name.
// The returned value is a deep copy; callers may modify it safely.
func (r *Registry) Lookup(name string) (CommandSchema, bool) {
	s, ok := r.byName[name]
	if !ok {
		return CommandSchema{}, false
	}
	return s.DeepCopy(), true
}

// LookupIdentity returns a schema by manufacturer code, cluster and command.
func (r *Registry) LookupIdentity(id Identity) (CommandSchema, bool) {
	s, ok := r.byIdentity[id]
	if !ok {
		return CommandSchema{}, false
	}
	return s.DeepCopy(), true
}

// HasCluster reports whether any schema targets the given manufacturer cluster.
func (r *Registry) HasCluster(manufacturerCode, clusterID uint16) bool {
	for id := range r.byIdentity {
		if id.ManufacturerCode == manufacturerCode && id.ClusterID == clusterID {
			return true
		}
	}
	return false
}

// All returns every registered schema, sorted by name.
func (r *Registry) All() []CommandSchema {
	result := make([]CommandSchema, 0, len(r.byName))
	for _, s := range r.byName {
		result = append(result, s.DeepCopy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	return len(r.byName)
}
