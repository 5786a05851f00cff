// Package timecodec converts between absolute timestamps and the
// epoch-relative offsets carried by the display's wire command.
//
// Encoding treats any timestamp at or before the reference epoch as unset
// (wire 0), and decoding maps 0 back to absent, so such inputs do not
// round-trip. Keys of a LogicalValue that the schema does not declare are
// ignored.
package timecodec

import (
	"binstatus-bridge/internal/zcl"
)

// ReferenceEpochSeconds is 2000-01-01T00:00:00Z in Unix seconds.
const ReferenceEpochSeconds int64 = 946684800

// Encode converts value into wire offsets, one entry per schema field.
// Nothing is returned on error.
func Encode(schema zcl.CommandSchema, value LogicalValue) (WireValue, error) {
	wire := make(WireValue, len(schema.Fields))
	for _, f := range schema.Fields {
		ts := value[f.Name]
		if !ts.Valid || ts.Seconds <= ReferenceEpochSeconds {
			wire[f.Name] = 0
			continue
		}
		offset := uint64(ts.Seconds - ReferenceEpochSeconds)
		if offset > maxWire(f.Type) {
			return nil, &FieldError{Field: f.Name, Err: ErrFieldOutOfRange}
		}
		wire[f.Name] = uint32(offset)
	}
	return wire, nil
}

// Decode converts wire offsets back into timestamps. The result has one key
// per schema field; a wire 0 decodes to an absent timestamp.
func Decode(schema zcl.CommandSchema, wire WireValue) (LogicalValue, error) {
	value := make(LogicalValue, len(schema.Fields))
	for _, f := range schema.Fields {
		w, ok := wire[f.Name]
		if !ok {
			return nil, &FieldError{Field: f.Name, Err: ErrMissingField}
		}
		if w == 0 {
			value[f.Name] = Timestamp{}
			continue
		}
		value[f.Name] = At(int64(w) + ReferenceEpochSeconds)
	}
	return value, nil
}

// ToReference converts Unix seconds to the device's epoch, clamping
// anything before it to 0.
func ToReference(unixSeconds int64) uint32 {
	if unixSeconds <= ReferenceEpochSeconds {
		return 0
	}
	offset := unixSeconds - ReferenceEpochSeconds
	if offset > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(offset)
}

func maxWire(typeID uint8) uint64 {
	if m := zcl.MaxUnsigned(typeID); m != 0 && m < 0xFFFFFFFF {
		return m
	}
	return 0xFFFFFFFF
}
