package zcl

import (
	"encoding/binary"
	"fmt"
)

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeBitmap24 uint8 = 0x1A
	TypeBitmap32 uint8 = 0x1B
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeCharStr  uint8 = 0x42
	TypeToD      uint8 = 0xE0 // Time of Day
	TypeDate     uint8 = 0xE1
	TypeUTC      uint8 = 0xE2
)

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for variable-length types.
func TypeSize(typeID uint8) int {
	switch typeID {
	case TypeNoData:
		return 0
	case TypeBool, TypeUint8, TypeInt8, TypeEnum8, TypeBitmap8:
		return 1
	case TypeUint16, TypeInt16, TypeEnum16, TypeBitmap16:
		return 2
	case TypeUint24, TypeBitmap24:
		return 3
	case TypeUint32, TypeInt32, TypeBitmap32, TypeToD, TypeDate, TypeUTC:
		return 4
	default:
		return -1
	}
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	switch typeID {
	case TypeNoData:
		return "nodata"
	case TypeBool:
		return "bool"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint24:
		return "uint24"
	case TypeUint32:
		return "uint32"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeEnum8:
		return "enum8"
	case TypeEnum16:
		return "enum16"
	case TypeBitmap8:
		return "map8"
	case TypeBitmap16:
		return "map16"
	case TypeBitmap24:
		return "map24"
	case TypeBitmap32:
		return "map32"
	case TypeCharStr:
		return "string"
	case TypeUTC:
		return "UTC"
	default:
		return fmt.Sprintf("0x%02X", typeID)
	}
}

// ParseTypeName is the inverse of TypeName for the unsigned kinds a command
// field may use. Device definition files refer to wire types by name.
func ParseTypeName(name string) (uint8, error) {
	switch name {
	case "uint8":
		return TypeUint8, nil
	case "uint16":
		return TypeUint16, nil
	case "uint24":
		return TypeUint24, nil
	case "uint32":
		return TypeUint32, nil
	case "UTC", "utc":
		return TypeUTC, nil
	}
	return 0, fmt.Errorf("zcl: unsupported field type %q", name)
}

// IsFixedUnsigned reports whether typeID is an unsigned integer kind with a
// fixed width of at most 32 bits.
func IsFixedUnsigned(typeID uint8) bool {
	switch typeID {
	case TypeUint8, TypeUint16, TypeUint24, TypeUint32, TypeUTC:
		return true
	}
	return false
}

// MaxUnsigned returns the largest value representable by a fixed-width
// unsigned type, or 0 if typeID is not one.
func MaxUnsigned(typeID uint8) uint64 {
	if !IsFixedUnsigned(typeID) {
		return 0
	}
	return 1<<(8*uint(TypeSize(typeID))) - 1
}

// AppendUnsigned appends v to buf in ZCL (little-endian) byte order using the
// width of typeID.
func AppendUnsigned(buf []byte, typeID uint8, v uint64) ([]byte, error) {
	if !IsFixedUnsigned(typeID) {
		return buf, fmt.Errorf("zcl: type %s is not a fixed-width unsigned type", TypeName(typeID))
	}
	if limit := MaxUnsigned(typeID); v > limit {
		return buf, fmt.Errorf("zcl: value %d overflows %s (max %d)", v, TypeName(typeID), limit)
	}
	switch TypeSize(typeID) {
	case 1:
		return append(buf, uint8(v)), nil
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v)), nil
	case 3:
		return append(buf, byte(v), byte(v>>8), byte(v>>16)), nil
	default:
		return binary.LittleEndian.AppendUint32(buf, uint32(v)), nil
	}
}

// ReadUnsigned decodes a fixed-width unsigned value from data, returning the
// value and the number of bytes consumed.
func ReadUnsigned(typeID uint8, data []byte) (uint64, int, error) {
	if !IsFixedUnsigned(typeID) {
		return 0, 0, fmt.Errorf("zcl: type %s is not a fixed-width unsigned type", TypeName(typeID))
	}
	size := TypeSize(typeID)
	if len(data) < size {
		return 0, 0, fmt.Errorf("zcl: not enough data for type 0x%02X: need %d, have %d", typeID, size, len(data))
	}
	switch size {
	case 1:
		return uint64(data[0]), 1, nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data[:2])), 2, nil
	case 3:
		return uint64(data[0]) | uint64(data[1])<<8 | uint64(data[2])<<16, 3, nil
	default:
		return uint64(binary.LittleEndian.Uint32(data[:4])), 4, nil
	}
}
