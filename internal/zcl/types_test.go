package zcl

import (
	"bytes"
	"testing"
)

func TestAppendReadUint32(t *testing.T) {
	data := []byte{0x78, 0x56, 0x34, 0x12}
	val, n, err := ReadUnsigned(TypeUint32, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("consumed %d, want 4", n)
	}
	if val != 0x12345678 {
		t.Errorf("got 0x%X, want 0x12345678", val)
	}

	encoded, err := AppendUnsigned(nil, TypeUint32, 0x12345678)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, data) {
		t.Errorf("encoded %X, want %X", encoded, data)
	}
}

func TestAppendReadWidths(t *testing.T) {
	tests := []struct {
		typeID uint8
		value  uint64
		want   []byte
	}{
		{TypeUint8, 0x42, []byte{0x42}},
		{TypeUint16, 0x1234, []byte{0x34, 0x12}},
		{TypeUint24, 0x123456, []byte{0x56, 0x34, 0x12}},
		{TypeUint32, 0xFFFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		{TypeUTC, 3600, []byte{0x10, 0x0E, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(TypeName(tt.typeID), func(t *testing.T) {
			got, err := AppendUnsigned([]byte{0xAA}, tt.typeID, tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got[1:], tt.want) || got[0] != 0xAA {
				t.Errorf("encoded %X, want AA%X", got, tt.want)
			}
			v, n, err := ReadUnsigned(tt.typeID, got[1:])
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.value || n != len(tt.want) {
				t.Errorf("read (%d, %d), want (%d, %d)", v, n, tt.value, len(tt.want))
			}
		})
	}
}

func TestAppendUnsignedOverflow(t *testing.T) {
	tests := []struct {
		typeID uint8
		value  uint64
	}{
		{TypeUint8, 256},
		{TypeUint16, 0x10000},
		{TypeUint24, 0x1000000},
		{TypeUint32, 0x100000000},
	}
	for _, tt := range tests {
		if _, err := AppendUnsigned(nil, tt.typeID, tt.value); err == nil {
			t.Errorf("AppendUnsigned(%s, %d) should overflow", TypeName(tt.typeID), tt.value)
		}
	}
}

func TestAppendUnsignedRejectsOtherTypes(t *testing.T) {
	for _, typeID := range []uint8{TypeBool, TypeInt32, TypeCharStr, TypeEnum8} {
		if _, err := AppendUnsigned(nil, typeID, 1); err == nil {
			t.Errorf("AppendUnsigned(%s) should fail", TypeName(typeID))
		}
		if _, _, err := ReadUnsigned(typeID, []byte{1, 2, 3, 4}); err == nil {
			t.Errorf("ReadUnsigned(%s) should fail", TypeName(typeID))
		}
	}
}

func TestReadUnsignedNotEnoughData(t *testing.T) {
	_, _, err := ReadUnsigned(TypeUint32, []byte{0x01, 0x02})
	if err == nil {
		t.Error("expected error for short data")
	}
}

func TestMaxUnsigned(t *testing.T) {
	if got := MaxUnsigned(TypeUint32); got != 0xFFFFFFFF {
		t.Errorf("MaxUnsigned(uint32) = 0x%X", got)
	}
	if got := MaxUnsigned(TypeUint24); got != 0xFFFFFF {
		t.Errorf("MaxUnsigned(uint24) = 0x%X", got)
	}
	if got := MaxUnsigned(TypeInt16); got != 0 {
		t.Errorf("MaxUnsigned(int16) = %d, want 0", got)
	}
}

func TestParseTypeName(t *testing.T) {
	for _, typeID := range []uint8{TypeUint8, TypeUint16, TypeUint24, TypeUint32, TypeUTC} {
		got, err := ParseTypeName(TypeName(typeID))
		if err != nil {
			t.Fatalf("ParseTypeName(%q): %v", TypeName(typeID), err)
		}
		if got != typeID {
			t.Errorf("ParseTypeName(%q) = 0x%02X, want 0x%02X", TypeName(typeID), got, typeID)
		}
	}
	if _, err := ParseTypeName("float"); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestTypeSizeValues(t *testing.T) {
	tests := []struct {
		typeID uint8
		want   int
	}{
		{TypeNoData, 0},
		{TypeBool, 1},
		{TypeUint8, 1},
		{TypeUint16, 2},
		{TypeUint24, 3},
		{TypeUint32, 4},
		{TypeInt8, 1},
		{TypeInt16, 2},
		{TypeInt32, 4},
		{TypeUTC, 4},
		{TypeCharStr, -1},
	}
	for _, tt := range tests {
		got := TypeSize(tt.typeID)
		if got != tt.want {
			t.Errorf("TypeSize(0x%02X) = %d, want %d", tt.typeID, got, tt.want)
		}
	}
}
