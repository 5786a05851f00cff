// Package ncp defines the interface for the Zigbee Network Co-Processor backend.
// Backend: nRF52840 (ZBOSS NCP over USB CDC ACM).
package ncp

import (
	"context"

	"binstatus-bridge/internal/zcl"
)

// NCP is the abstract interface for a Zigbee NCP device.
type NCP interface {
	// Network management
	Reset(ctx context.Context) error
	Init(ctx context.Context) error
	StartNetwork(ctx context.Context) error

	// ZCL
	SendCommand(ctx context.Context, req ClusterCommandRequest) error

	// Indication callbacks
	OnClusterCommand(handler func(ClusterCommandEvent))

	// Info
	GetNCPInfo() *NCPInfo

	// Lifecycle
	Close() error
}

// NCPInfo holds firmware/stack version information from the NCP.
type NCPInfo struct {
	FWVersion       uint32 `json:"fw_version"`
	StackVersion    string `json:"stack_version"` // e.g. "3.11.3.0"
	ProtocolVersion uint32 `json:"protocol_version"`
}

// ClusterCommandRequest sends a ZCL command to a device endpoint.
type ClusterCommandRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	CommandID uint8
	// ManufacturerCode, when non-zero, marks the frame manufacturer-specific.
	ManufacturerCode   uint16
	Global             bool // profile-wide (foundation) command
	ServerToClient     bool
	DisableDefaultResp bool
	// Reply reuses Seq instead of allocating a new ZCL sequence number.
	Reply   bool
	Seq     uint8
	Payload []byte
}

// header returns the ZCL frame header for req using seq.
func (req ClusterCommandRequest) header(seq uint8) zcl.FrameHeader {
	if req.Reply {
		seq = req.Seq
	}
	return zcl.FrameHeader{
		ClusterSpecific:      !req.Global,
		ManufacturerSpecific: req.ManufacturerCode != 0,
		ManufacturerCode:     req.ManufacturerCode,
		ServerToClient:       req.ServerToClient,
		DisableDefaultResp:   req.DisableDefaultResp,
		Seq:                  seq,
		CommandID:            req.CommandID,
	}
}

// ClusterCommandEvent is emitted for every incoming ZCL frame addressed to
// the coordinator, global or cluster-specific.
type ClusterCommandEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	DstEP     uint8
	ClusterID uint16
	ProfileID uint16
	Header    zcl.FrameHeader
	Payload   []byte
	LQI       uint8
	RSSI      int8
}
