/*
	Package storage provides a unified interface over the distinct on-disk
	representations backing specimen data: the chunked multi-resolution
	array store (zarr3), the single-file multi-resolution container
	(stackfile), and the static mesh store (meshobj).

	Each array-backed engine implements VolumeStore, a bounded 3d sub-array
	read with deterministic clipping.  2d tile extraction for the viewing
	planes is format-agnostic and implemented once here on top of that
	contract.  Values are simply []byte at this level; element typing is
	carried alongside as a visor.DataType.
*/

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/blang/semver"

	"github.com/visor-platform/visor/visor"
)

// Array3d is a transient 3d sub-array in (z, y, x) row-major order.
type Array3d struct {
	Shape    visor.Point3d
	DataType visor.DataType
	Data     []byte
}

// Tile is a transient 2d array slice.  Size is (rows, cols); row/col axes
// per viewing plane are fixed: xy -> (y, x), xz -> (z, x), yz -> (y, z).
type Tile struct {
	Size     visor.Point2d
	DataType visor.DataType
	Data     []byte
}

// Polygon is one closed contour from a mesh cross-section, as (x, y) pairs.
type Polygon [][2]float32

// VolumeStore is the read contract every array-backed engine implements.
type VolumeStore interface {
	// ReadVolume reads the sub-array [origin, origin+shape) at the given
	// resolution level and channel.  The box is clipped to the volume
	// extents; a box entirely outside the volume returns a NotFound-class
	// error, never a crash or an all-fill array.
	ReadVolume(ctx context.Context, level, channel int, origin, shape visor.Point3d) (*Array3d, error)

	// Extents returns the (z, y, x) volume size at a resolution level.
	Extents(level int) (visor.Point3d, error)

	// DataType returns the element type of the stored voxels.
	DataType() visor.DataType

	Close()
}

// MeshStore is the read contract of the static mesh store.
type MeshStore interface {
	// ReadMesh returns the whole-object mesh file bytes verbatim.
	ReadMesh(ctx context.Context, meshFile string) ([]byte, error)

	// CrossSection computes the closed contour polygons of the named mesh
	// at the given z plane.  Deterministic for identical inputs.
	CrossSection(ctx context.Context, meshFile string, z float32) ([]Polygon, error)

	Close()
}

// Engine is a storage format driver that can open stores.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version

	// NewVolumeStore opens the store at path, a location resolved from a
	// specimen's volume reference.
	NewVolumeStore(path string) (VolumeStore, error)
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]Engine{}
)

// RegisterEngine registers a storage format driver under its name.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, dup := engines[e.GetName()]; dup {
		visor.Criticalf("Storage engine %q registered twice\n", e.GetName())
	}
	engines[e.GetName()] = e
	visor.Debugf("Registered storage engine %q [%s]\n", e.GetName(), e.GetSemVer())
}

// GetEngine returns the registered driver for a format name.
func GetEngine(name string) (Engine, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := engines[name]
	if !found {
		return nil, fmt.Errorf("no storage engine registered for format %q", name)
	}
	return e, nil
}

// EnginesAvailable returns a description of all registered engines.
func EnginesAvailable() string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var s string
	for _, e := range engines {
		if s != "" {
			s += "; "
		}
		s += fmt.Sprintf("%s [%s]", e.GetName(), e.GetSemVer())
	}
	return s
}

// tileBox converts a viewing plane and a 2d tile shape of (rows, cols) into
// the 3d box shape to read at the tile origin.
func tileBox(view visor.ViewType, shape visor.Point2d) (visor.Point3d, error) {
	switch view {
	case visor.XY:
		return visor.Point3d{1, shape[0], shape[1]}, nil
	case visor.XZ:
		return visor.Point3d{shape[0], 1, shape[1]}, nil
	case visor.YZ:
		return visor.Point3d{shape[1], shape[0], 1}, nil
	}
	return visor.Point3d{}, visor.UnsupportedCombinationf("view %s is not a 2d sectioning plane", view)
}

// ReadTile extracts a 2d tile on the given viewing plane from any
// VolumeStore.  The returned tile size is the requested shape clipped to
// the volume bounds.
func ReadTile(ctx context.Context, vs VolumeStore, level, channel int, view visor.ViewType,
	origin visor.Point3d, shape visor.Point2d) (*Tile, error) {

	box, err := tileBox(view, shape)
	if err != nil {
		return nil, err
	}
	vol, err := vs.ReadVolume(ctx, level, channel, origin, box)
	if err != nil {
		return nil, err
	}
	return sliceVolume(vol, view)
}

// sliceVolume flattens a single-plane 3d sub-array into a 2d tile.
func sliceVolume(vol *Array3d, view visor.ViewType) (*Tile, error) {
	bpv := int64(vol.DataType.BytesPerVoxel())
	if bpv == 0 {
		return nil, visor.StorageFailuref("volume has unknown data type %q", vol.DataType)
	}
	nz, ny, nx := vol.Shape[0], vol.Shape[1], vol.Shape[2]

	tile := &Tile{DataType: vol.DataType}
	switch view {
	case visor.XY:
		// rows = y, cols = x: the (y, x) plane is already contiguous.
		tile.Size = visor.Point2d{ny, nx}
		tile.Data = vol.Data
	case visor.XZ:
		// rows = z, cols = x: y is the dropped singleton axis.
		tile.Size = visor.Point2d{nz, nx}
		tile.Data = vol.Data
	case visor.YZ:
		// rows = y, cols = z: requires transposing the stored (z, y) order.
		tile.Size = visor.Point2d{ny, nz}
		tile.Data = make([]byte, int64(ny)*int64(nz)*bpv)
		for z := int32(0); z < nz; z++ {
			for y := int32(0); y < ny; y++ {
				src := (int64(z)*int64(ny) + int64(y)) * bpv
				dst := (int64(y)*int64(nz) + int64(z)) * bpv
				copy(tile.Data[dst:dst+bpv], vol.Data[src:src+bpv])
			}
		}
	default:
		return nil, visor.UnsupportedCombinationf("view %s is not a 2d sectioning plane", view)
	}
	return tile, nil
}

// ClipBox clips [origin, origin+shape) to [0, extents).  ok is false when
// the box lies entirely outside the volume.
func ClipBox(origin, shape, extents visor.Point3d) (clippedOrigin, clippedShape visor.Point3d, ok bool) {
	for i := 0; i < 3; i++ {
		beg := origin[i]
		end := origin[i] + shape[i]
		if beg < 0 {
			beg = 0
		}
		if end > extents[i] {
			end = extents[i]
		}
		if beg >= end {
			return visor.Point3d{}, visor.Point3d{}, false
		}
		clippedOrigin[i] = beg
		clippedShape[i] = end - beg
	}
	return clippedOrigin, clippedShape, true
}
