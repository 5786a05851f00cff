package coordinator

import (
	"context"
	"errors"
	"fmt"

	"binstatus-bridge/internal/ncp"
	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/timecodec"
	"binstatus-bridge/internal/zcl"
	"binstatus-bridge/internal/zcl/clusters"
)

var (
	// ErrUnknownSchema is returned for a command name the registry does not hold.
	ErrUnknownSchema = errors.New("unknown command schema")
	// ErrUnsupportedCommand is returned when a device's model does not accept a command.
	ErrUnsupportedCommand = errors.New("command not supported by device model")
)

func (c *Coordinator) lookupSchema(name string) (zcl.CommandSchema, error) {
	s, ok := c.registry.Lookup(name)
	if !ok {
		return zcl.CommandSchema{}, fmt.Errorf("%w: %q", ErrUnknownSchema, name)
	}
	return s, nil
}

// Encode converts a logical value to its wire form and serialized payload
// without sending anything.
func (c *Coordinator) Encode(schemaName string, value timecodec.LogicalValue) (timecodec.WireValue, []byte, error) {
	schema, err := c.lookupSchema(schemaName)
	if err != nil {
		return nil, nil, err
	}
	wire, err := timecodec.Encode(schema, value)
	if err != nil {
		return nil, nil, err
	}
	payload, err := timecodec.MarshalPayload(schema, wire)
	if err != nil {
		return nil, nil, err
	}
	return wire, payload, nil
}

// Decode converts wire offsets back into a logical value.
func (c *Coordinator) Decode(schemaName string, wire timecodec.WireValue) (timecodec.LogicalValue, error) {
	schema, err := c.lookupSchema(schemaName)
	if err != nil {
		return nil, err
	}
	return timecodec.Decode(schema, wire)
}

// Send encodes value with the named schema and delivers it to the device.
// It blocks while the device's send limiter is exhausted.
func (c *Coordinator) Send(ctx context.Context, device, schemaName string, value timecodec.LogicalValue) (timecodec.WireValue, error) {
	dev, err := c.devices.Resolve(device)
	if err != nil {
		return nil, err
	}
	schema, err := c.lookupSchema(schemaName)
	if err != nil {
		return nil, err
	}
	if dev.Model != "" && c.deviceDB != nil {
		if def := c.deviceDB.Lookup(dev.Model); def != nil && !def.Accepts(schema.Name) {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, schema.Name, dev.Model)
		}
	}

	wire, err := timecodec.Encode(schema, value)
	if err != nil {
		return nil, err
	}
	payload, err := timecodec.MarshalPayload(schema, wire)
	if err != nil {
		return nil, err
	}

	if err := c.devices.limiter(dev.IEEEAddress).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", dev.Name(), err)
	}

	err = c.ncp.SendCommand(ctx, ncp.ClusterCommandRequest{
		DstAddr:            dev.ShortAddress,
		DstEP:              dev.Endpoint,
		ClusterID:          schema.ClusterID,
		CommandID:          schema.CommandID,
		ManufacturerCode:   schema.ManufacturerCode,
		DisableDefaultResp: c.config.DisableDefaultResponse,
		Payload:            payload,
	})
	if err != nil {
		c.logger.Warn("command send failed", "device", dev.Name(), "schema", schema.Name, "err", err)
		c.events.Emit(Event{Type: EventCommandFailed, Data: CommandFailure{
			Device: dev.Name(),
			IEEE:   dev.IEEEAddress,
			Schema: schema.Name,
			Error:  err.Error(),
		}})
		return nil, fmt.Errorf("send %s to %s: %w", schema.Name, dev.Name(), err)
	}

	// What the display will show: unset and pre-epoch inputs collapse to null.
	shown, err := timecodec.Decode(schema, wire)
	if err != nil {
		return nil, err
	}
	c.logger.Info("command sent", "device", dev.Name(), "schema", schema.Name, "wire", wire)
	c.events.Emit(Event{Type: EventCommandSent, Data: CommandEvent{
		Device: dev.Name(),
		IEEE:   dev.IEEEAddress,
		Schema: schema.Name,
		Expose: schema.ExposeKey(),
		Value:  shown,
		Wire:   wire,
	}})
	return wire, nil
}

// handleClusterCommand runs on the NCP read loop. Anything that talks back
// to the NCP must happen on another goroutine.
func (c *Coordinator) handleClusterCommand(evt ncp.ClusterCommandEvent) {
	h := evt.Header
	dev := c.devices.bySender(evt.SrcAddr)
	if dev != nil {
		c.devices.touch(dev.IEEEAddress, evt.LQI)
	}

	if !h.ClusterSpecific {
		switch {
		case evt.ClusterID == clusters.TimeClusterID && h.CommandID == zcl.FoundationReadAttributes && !h.ServerToClient:
			go c.serveTime(evt)
		case h.CommandID == zcl.FoundationDefaultResponse:
			c.handleDefaultResponse(evt, dev)
		case h.CommandID == zcl.FoundationReportAttributes:
			c.handleAttributeReport(evt, dev)
		default:
			c.logger.Debug("ignoring global command", "src", fmt.Sprintf("0x%04X", evt.SrcAddr),
				"cluster", fmt.Sprintf("0x%04X", evt.ClusterID), "cmd", fmt.Sprintf("0x%02X", h.CommandID))
		}
		return
	}

	id := zcl.Identity{ManufacturerCode: h.ManufacturerCode, ClusterID: evt.ClusterID, CommandID: h.CommandID}
	schema, ok := c.registry.LookupIdentity(id)
	if !ok {
		c.logger.Debug("unknown command", "src", fmt.Sprintf("0x%04X", evt.SrcAddr), "identity", id.String())
		return
	}
	wire, err := timecodec.UnmarshalPayload(schema, evt.Payload)
	if err != nil {
		c.logger.Warn("bad command payload", "src", fmt.Sprintf("0x%04X", evt.SrcAddr), "schema", schema.Name, "err", err)
		return
	}
	value, err := timecodec.Decode(schema, wire)
	if err != nil {
		c.logger.Warn("decode command", "schema", schema.Name, "err", err)
		return
	}

	ce := CommandEvent{
		Device: fmt.Sprintf("0x%04X", evt.SrcAddr),
		Schema: schema.Name,
		Expose: schema.ExposeKey(),
		Value:  value,
		Wire:   wire,
		LQI:    evt.LQI,
	}
	if dev != nil {
		ce.Device = dev.Name()
		ce.IEEE = dev.IEEEAddress
	}
	c.logger.Debug("command received", "device", ce.Device, "schema", schema.Name)
	c.events.Emit(Event{Type: EventCommandReceived, Data: ce})
}

func (c *Coordinator) handleDefaultResponse(evt ncp.ClusterCommandEvent, dev *store.Device) {
	dr, err := zcl.ParseDefaultResponse(evt.Payload)
	if err != nil {
		c.logger.Debug("bad default response", "src", fmt.Sprintf("0x%04X", evt.SrcAddr), "err", err)
		return
	}
	if dr.Status == zcl.ZCLStatusSuccess {
		return
	}

	id := zcl.Identity{ManufacturerCode: evt.Header.ManufacturerCode, ClusterID: evt.ClusterID, CommandID: dr.CommandID}
	schema, ok := c.registry.LookupIdentity(id)
	if !ok {
		return
	}
	f := CommandFailure{
		Device: fmt.Sprintf("0x%04X", evt.SrcAddr),
		Schema: schema.Name,
		Status: zcl.StatusName(dr.Status),
		Error:  "rejected by device",
	}
	if dev != nil {
		f.Device = dev.Name()
		f.IEEE = dev.IEEEAddress
	}
	c.logger.Warn("command rejected", "device", f.Device, "schema", schema.Name, "status", f.Status)
	c.events.Emit(Event{Type: EventCommandFailed, Data: f})
}
