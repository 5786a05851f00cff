package clusters

// Power Configuration cluster (0x0001). The display reports its battery
// on every wake.
const PowerConfigClusterID uint16 = 0x0001

const (
	PowerAttrBatteryVoltage    uint16 = 0x0020 // uint8, units of 100 mV
	PowerAttrBatteryPercentage uint16 = 0x0021 // uint8, units of 0.5 %
)

// BatteryInvalid marks an unknown voltage or percentage.
const BatteryInvalid uint8 = 0xFF
