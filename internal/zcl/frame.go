package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame control bits (ZCL 2.4.1.1).
const (
	FrameTypeGlobal          uint8 = 0x00
	FrameTypeClusterSpecific uint8 = 0x01
	frameTypeMask            uint8 = 0x03

	FrameManufacturerSpecific uint8 = 0x04
	FrameServerToClient       uint8 = 0x08
	FrameDisableDefaultResp   uint8 = 0x10
)

var ErrShortFrame = errors.New("zcl: frame too short")

// FrameHeader is the ZCL frame header preceding a command payload.
type FrameHeader struct {
	ClusterSpecific      bool
	ManufacturerSpecific bool
	ServerToClient       bool
	DisableDefaultResp   bool
	ManufacturerCode     uint16
	Seq                  uint8
	CommandID            uint8
}

// FrameControl returns the encoded frame control byte.
func (h FrameHeader) FrameControl() uint8 {
	var fc uint8
	if h.ClusterSpecific {
		fc |= FrameTypeClusterSpecific
	}
	if h.ManufacturerSpecific {
		fc |= FrameManufacturerSpecific
	}
	if h.ServerToClient {
		fc |= FrameServerToClient
	}
	if h.DisableDefaultResp {
		fc |= FrameDisableDefaultResp
	}
	return fc
}

// Len returns the encoded header length (3, or 5 with a manufacturer code).
func (h FrameHeader) Len() int {
	if h.ManufacturerSpecific {
		return 5
	}
	return 3
}

// AppendTo appends the encoded header to buf.
func (h FrameHeader) AppendTo(buf []byte) []byte {
	buf = append(buf, h.FrameControl())
	if h.ManufacturerSpecific {
		buf = binary.LittleEndian.AppendUint16(buf, h.ManufacturerCode)
	}
	return append(buf, h.Seq, h.CommandID)
}

// EncodeFrame builds a complete ZCL frame: header followed by payload.
func EncodeFrame(h FrameHeader, payload []byte) []byte {
	buf := make([]byte, 0, h.Len()+len(payload))
	buf = h.AppendTo(buf)
	return append(buf, payload...)
}

// ParseFrame splits a ZCL frame into its header and payload.
// The payload aliases data.
func ParseFrame(data []byte) (FrameHeader, []byte, error) {
	if len(data) < 3 {
		return FrameHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	fc := data[0]
	h := FrameHeader{
		ClusterSpecific:      fc&frameTypeMask == FrameTypeClusterSpecific,
		ManufacturerSpecific: fc&FrameManufacturerSpecific != 0,
		ServerToClient:       fc&FrameServerToClient != 0,
		DisableDefaultResp:   fc&FrameDisableDefaultResp != 0,
	}
	off := 1
	if h.ManufacturerSpecific {
		if len(data) < 5 {
			return FrameHeader{}, nil, fmt.Errorf("%w: manufacturer-specific frame of %d bytes", ErrShortFrame, len(data))
		}
		h.ManufacturerCode = binary.LittleEndian.Uint16(data[1:3])
		off = 3
	}
	h.Seq = data[off]
	h.CommandID = data[off+1]
	return h, data[off+2:], nil
}

// CommandHeader returns the header for a client-to-server cluster command
// described by id. Seq is left for the transport to fill.
func CommandHeader(id Identity) FrameHeader {
	return FrameHeader{
		ClusterSpecific:      true,
		ManufacturerSpecific: id.ManufacturerCode != 0,
		ManufacturerCode:     id.ManufacturerCode,
		CommandID:            id.CommandID,
	}
}
