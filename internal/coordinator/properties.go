package coordinator

import (
	"fmt"

	"binstatus-bridge/internal/ncp"
	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/zcl"
	"binstatus-bridge/internal/zcl/clusters"
)

// PropertyEvent is the payload of property_update: device state decoded
// from attribute reports, keyed by property name.
type PropertyEvent struct {
	Device     string         `json:"device"`
	IEEE       string         `json:"ieee_address"`
	Properties map[string]any `json:"properties"`
}

// handleAttributeReport turns Power Configuration reports into battery
// (percent) and voltage (mV) properties. Reports from devices the bridge
// does not know are dropped.
func (c *Coordinator) handleAttributeReport(evt ncp.ClusterCommandEvent, dev *store.Device) {
	if dev == nil {
		c.logger.Debug("attribute report from unknown device", "src", fmt.Sprintf("0x%04X", evt.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", evt.ClusterID))
		return
	}
	reports, err := zcl.ParseReportAttributes(evt.Payload)
	if err != nil {
		// Records before the bad one are still used.
		c.logger.Debug("bad attribute report", "device", dev.Name(), "err", err)
	}

	props := make(map[string]any)
	switch evt.ClusterID {
	case clusters.PowerConfigClusterID:
		powerProperties(reports, props)
	}
	if len(props) == 0 {
		return
	}

	c.logger.Debug("property update", "device", dev.Name(), "properties", props)
	c.events.Emit(Event{Type: EventPropertyUpdate, Data: PropertyEvent{
		Device:     dev.Name(),
		IEEE:       dev.IEEEAddress,
		Properties: props,
	}})
}

func powerProperties(reports []zcl.AttributeReport, props map[string]any) {
	for _, r := range reports {
		if r.Type != zcl.TypeUint8 || len(r.Value) != 1 || r.Value[0] == clusters.BatteryInvalid {
			continue
		}
		switch r.AttrID {
		case clusters.PowerAttrBatteryPercentage:
			props["battery"] = float64(r.Value[0]) / 2
		case clusters.PowerAttrBatteryVoltage:
			props["voltage"] = int(r.Value[0]) * 100
		}
	}
}
