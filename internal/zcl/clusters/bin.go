package clusters

import "binstatus-bridge/internal/zcl"

// Manufacturer-specific cluster of the TC BinStatus e-paper display.
const (
	TCManufacturerCode uint16 = 0x1234
	TCSpecificBinID    uint16 = 0xFC12
)

// BinDisplaySetTimes sets the next collection time shown for each bin.
// Every field is seconds since 2000-01-01T00:00:00Z, 0 meaning none scheduled.
var BinDisplaySetTimes = zcl.CommandSchema{
	Name:    "setDisplayTimes",
	Cluster: "tcSpecificBin",
	Identity: zcl.Identity{
		ManufacturerCode: TCManufacturerCode,
		ClusterID:        TCSpecificBinID,
		CommandID:        0x01,
	},
	Fields: []zcl.FieldSpec{
		{Name: "black", Type: zcl.TypeUint32},
		{Name: "green", Type: zcl.TypeUint32},
		{Name: "brown", Type: zcl.TypeUint32},
	},
	Expose:      "display_times",
	Description: "Next bin collection times",
}

// Builtin returns the command schemas compiled into the bridge.
func Builtin() []zcl.CommandSchema {
	return []zcl.CommandSchema{BinDisplaySetTimes.DeepCopy()}
}

// RegisterBuiltin registers every built-in schema with r.
func RegisterBuiltin(r *zcl.Registry) error {
	for _, s := range Builtin() {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
