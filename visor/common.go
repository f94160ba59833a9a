package visor

// Memory size constants used for cache sizing and log messages.
const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// DataType is the voxel element type of a stored volume.
type DataType string

const (
	Uint8  DataType = "uint8"
	Uint16 DataType = "uint16"
)

// BytesPerVoxel returns the element size in bytes or 0 for an unknown type.
func (t DataType) BytesPerVoxel() int32 {
	switch t {
	case Uint8:
		return 1
	case Uint16:
		return 2
	}
	return 0
}
