package zcl

import (
	"encoding/binary"
	"fmt"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
)

// ZCL status codes
const (
	ZCLStatusSuccess          uint8 = 0x00
	ZCLStatusFailure          uint8 = 0x01
	ZCLStatusMalformedCommand uint8 = 0x80
	ZCLStatusUnsupClusterCmd  uint8 = 0x81
	ZCLStatusUnsupManufCmd    uint8 = 0x83
	ZCLStatusInvalidField     uint8 = 0x85
	ZCLStatusUnsupportedAttr  uint8 = 0x86
	ZCLStatusInvalidValue     uint8 = 0x87
)

// DefaultResponse is the payload of a Default Response (0x0B).
type DefaultResponse struct {
	CommandID uint8
	Status    uint8
}

// ParseDefaultResponse decodes a Default Response payload.
func ParseDefaultResponse(payload []byte) (DefaultResponse, error) {
	if len(payload) < 2 {
		return DefaultResponse{}, fmt.Errorf("%w: default response of %d bytes", ErrShortFrame, len(payload))
	}
	return DefaultResponse{CommandID: payload[0], Status: payload[1]}, nil
}

// ParseReadAttributes returns the attribute IDs requested by a Read Attributes payload.
func ParseReadAttributes(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("zcl: read attributes payload has odd length %d", len(payload))
	}
	ids := make([]uint16, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		ids = append(ids, binary.LittleEndian.Uint16(payload[i:]))
	}
	return ids, nil
}

// AttributeRecord is one entry of a Read Attributes Response.
// Type and Value are only encoded when Status is success.
type AttributeRecord struct {
	AttrID uint16
	Status uint8
	Type   uint8
	Value  []byte
}

// EncodeReadAttributesResponse builds a Read Attributes Response payload.
func EncodeReadAttributesResponse(records []AttributeRecord) []byte {
	var buf []byte
	for _, r := range records {
		buf = binary.LittleEndian.AppendUint16(buf, r.AttrID)
		buf = append(buf, r.Status)
		if r.Status == ZCLStatusSuccess {
			buf = append(buf, r.Type)
			buf = append(buf, r.Value...)
		}
	}
	return buf
}

// AttributeReport is one record of a Report Attributes (0x0A) payload.
type AttributeReport struct {
	AttrID uint16
	Type   uint8
	Value  []byte
}

// ParseReportAttributes decodes a Report Attributes payload. Records of
// variable-length types other than character strings cannot be skipped,
// so they end parsing with an error.
func ParseReportAttributes(payload []byte) ([]AttributeReport, error) {
	var out []AttributeReport
	for i := 0; i < len(payload); {
		if len(payload)-i < 3 {
			return out, fmt.Errorf("%w: truncated attribute report at offset %d", ErrShortFrame, i)
		}
		r := AttributeReport{AttrID: binary.LittleEndian.Uint16(payload[i:]), Type: payload[i+2]}
		i += 3

		size := TypeSize(r.Type)
		if r.Type == TypeCharStr {
			if i >= len(payload) {
				return out, fmt.Errorf("%w: attribute 0x%04X string length missing", ErrShortFrame, r.AttrID)
			}
			size = 1 + int(payload[i])
		}
		if size < 0 {
			return out, fmt.Errorf("zcl: attribute 0x%04X has unsupported type %s", r.AttrID, TypeName(r.Type))
		}
		if len(payload)-i < size {
			return out, fmt.Errorf("%w: attribute 0x%04X value of %d bytes", ErrShortFrame, r.AttrID, len(payload)-i)
		}
		r.Value = payload[i : i+size]
		i += size
		out = append(out, r)
	}
	return out, nil
}

// StatusName returns a short name for a ZCL status code.
func StatusName(status uint8) string {
	switch status {
	case ZCLStatusSuccess:
		return "SUCCESS"
	case ZCLStatusFailure:
		return "FAILURE"
	case ZCLStatusMalformedCommand:
		return "MALFORMED_COMMAND"
	case ZCLStatusUnsupClusterCmd:
		return "UNSUP_CLUSTER_COMMAND"
	case ZCLStatusUnsupManufCmd:
		return "UNSUP_MANUF_CLUSTER_COMMAND"
	case ZCLStatusInvalidField:
		return "INVALID_FIELD"
	case ZCLStatusUnsupportedAttr:
		return "UNSUPPORTED_ATTRIBUTE"
	case ZCLStatusInvalidValue:
		return "INVALID_VALUE"
	}
	return fmt.Sprintf("0x%02X", status)
}
