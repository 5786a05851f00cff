package coordinator

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"binstatus-bridge/internal/ncp"
	"binstatus-bridge/internal/timecodec"
	"binstatus-bridge/internal/zcl"
	"binstatus-bridge/internal/zcl/clusters"
)

// serveTime answers a Read Attributes request on the Time cluster.
func (c *Coordinator) serveTime(evt ncp.ClusterCommandEvent) {
	req := ncp.ClusterCommandRequest{
		DstAddr:            evt.SrcAddr,
		DstEP:              evt.SrcEP,
		ClusterID:          clusters.TimeClusterID,
		Global:             true,
		ServerToClient:     true,
		DisableDefaultResp: true,
		Reply:              true,
		Seq:                evt.Header.Seq,
	}

	ids, err := zcl.ParseReadAttributes(evt.Payload)
	if err != nil {
		c.logger.Debug("bad time read", "src", fmt.Sprintf("0x%04X", evt.SrcAddr), "err", err)
		req.CommandID = zcl.FoundationDefaultResponse
		req.Payload = []byte{zcl.FoundationReadAttributes, zcl.ZCLStatusMalformedCommand}
	} else {
		req.CommandID = zcl.FoundationReadAttributesResponse
		req.Payload = zcl.EncodeReadAttributesResponse(timeAttributes(ids, c.now(), c.config.TimeZone))
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.ncp.SendCommand(ctx, req); err != nil {
		c.logger.Warn("time response failed", "dst", fmt.Sprintf("0x%04X", evt.SrcAddr), "err", err)
		return
	}
	c.logger.Debug("served time", "dst", fmt.Sprintf("0x%04X", evt.SrcAddr), "attrs", len(ids))
}

// timeAttributes builds the records for a Time cluster read at now.
func timeAttributes(ids []uint16, now time.Time, loc *time.Location) []zcl.AttributeRecord {
	_, offset := now.In(loc).Zone()
	records := make([]zcl.AttributeRecord, 0, len(ids))
	for _, id := range ids {
		typ, ok := clusters.TimeAttributeType(id)
		if !ok {
			records = append(records, zcl.AttributeRecord{AttrID: id, Status: zcl.ZCLStatusUnsupportedAttr})
			continue
		}
		var value []byte
		switch id {
		case clusters.TimeAttrTime:
			value = binary.LittleEndian.AppendUint32(nil, timecodec.ToReference(now.Unix()))
		case clusters.TimeAttrStatus:
			value = []byte{clusters.TimeStatusMaster | clusters.TimeStatusSynchronized}
		case clusters.TimeAttrZone:
			value = binary.LittleEndian.AppendUint32(nil, uint32(int32(offset)))
		case clusters.TimeAttrLocalTime:
			value = binary.LittleEndian.AppendUint32(nil, timecodec.ToReference(now.Unix()+int64(offset)))
		}
		records = append(records, zcl.AttributeRecord{AttrID: id, Status: zcl.ZCLStatusSuccess, Type: typ, Value: value})
	}
	return records
}
