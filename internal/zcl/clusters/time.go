package clusters

import "binstatus-bridge/internal/zcl"

// Time cluster (0x000A). The bridge acts as the time server devices read.
const TimeClusterID uint16 = 0x000A

const (
	TimeAttrTime      uint16 = 0x0000 // UTC, seconds since 2000-01-01
	TimeAttrStatus    uint16 = 0x0001
	TimeAttrZone      uint16 = 0x0002 // int32, seconds
	TimeAttrLocalTime uint16 = 0x0007
)

// TimeStatus bits
const (
	TimeStatusMaster       uint8 = 0x01
	TimeStatusSynchronized uint8 = 0x02
)

// TimeAttributeType returns the ZCL type of a Time cluster attribute the
// bridge serves, and false for attributes it does not.
func TimeAttributeType(attrID uint16) (uint8, bool) {
	switch attrID {
	case TimeAttrTime:
		return zcl.TypeUTC, true
	case TimeAttrStatus:
		return zcl.TypeBitmap8, true
	case TimeAttrZone:
		return zcl.TypeInt32, true
	case TimeAttrLocalTime:
		return zcl.TypeUint32, true
	}
	return 0, false
}
