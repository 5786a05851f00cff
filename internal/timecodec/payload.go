package timecodec

import (
	"fmt"

	"binstatus-bridge/internal/zcl"
)

// MarshalPayload serializes wire in schema field order, little-endian,
// without padding.
func MarshalPayload(schema zcl.CommandSchema, wire WireValue) ([]byte, error) {
	buf := make([]byte, 0, schema.PayloadSize())
	for _, f := range schema.Fields {
		v, ok := wire[f.Name]
		if !ok {
			return nil, &FieldError{Field: f.Name, Err: ErrMissingField}
		}
		var err error
		buf, err = zcl.AppendUnsigned(buf, f.Type, uint64(v))
		if err != nil {
			return nil, &FieldError{Field: f.Name, Err: fmt.Errorf("%w: %v", ErrFieldOutOfRange, err)}
		}
	}
	return buf, nil
}

// UnmarshalPayload parses a command payload. Its length must equal the
// schema's fixed payload size.
func UnmarshalPayload(schema zcl.CommandSchema, data []byte) (WireValue, error) {
	if size := schema.PayloadSize(); len(data) != size {
		return nil, fmt.Errorf("timecodec: %s: %w: got %d bytes, want %d", schema.Name, ErrPayloadLength, len(data), size)
	}
	wire := make(WireValue, len(schema.Fields))
	for _, f := range schema.Fields {
		v, n, err := zcl.ReadUnsigned(f.Type, data)
		if err != nil {
			return nil, &FieldError{Field: f.Name, Err: err}
		}
		wire[f.Name] = uint32(v)
		data = data[n:]
	}
	return wire, nil
}
