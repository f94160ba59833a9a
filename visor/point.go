/*
	Basic integer point types for voxel coordinates and the viewing-plane
	enumeration used by identifiers and storage backends.  Coordinates follow
	the on-disk array order (z, y, x) used by the specimen volumes.
*/

package visor

import (
	"fmt"
)

// Point2d is a 2d point of int32, used for tile shapes.
type Point2d [2]int32

func (p Point2d) String() string {
	return fmt.Sprintf("(%d,%d)", p[0], p[1])
}

// Prod returns the product of the point's elements.
func (p Point2d) Prod() int64 {
	return int64(p[0]) * int64(p[1])
}

// Point3d is a 3d point of int32 in (z, y, x) order.
type Point3d [3]int32

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Add returns the summation of this point with another.
func (p Point3d) Add(x Point3d) Point3d {
	return Point3d{p[0] + x[0], p[1] + x[1], p[2] + x[2]}
}

// Sub returns the difference of this point with another.
func (p Point3d) Sub(x Point3d) Point3d {
	return Point3d{p[0] - x[0], p[1] - x[1], p[2] - x[2]}
}

// Max returns the maximum of this point and another along every dimension.
func (p Point3d) Max(x Point3d) Point3d {
	result := p
	for i := 0; i < 3; i++ {
		if x[i] > result[i] {
			result[i] = x[i]
		}
	}
	return result
}

// Min returns the minimum of this point and another along every dimension.
func (p Point3d) Min(x Point3d) Point3d {
	result := p
	for i := 0; i < 3; i++ {
		if x[i] < result[i] {
			result[i] = x[i]
		}
	}
	return result
}

// Prod returns the product of the point's elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Chunk returns the chunk index holding this voxel given a chunk size.
func (p Point3d) Chunk(size Point3d) Point3d {
	return Point3d{p[0] / size[0], p[1] / size[1], p[2] / size[2]}
}

// PointInChunk returns the position of this voxel relative to its chunk origin.
func (p Point3d) PointInChunk(size Point3d) Point3d {
	return Point3d{p[0] % size[0], p[1] % size[1], p[2] % size[2]}
}

// ViewType is the 2d sectioning plane or the volumetric mode of a request.
type ViewType uint8

const (
	// XY is the xy plane (usually coronal), sliced along z.
	XY ViewType = iota

	// YZ is the yz plane (usually sagittal), sliced along x.
	YZ

	// XZ is the xz plane (usually horizontal), sliced along y.
	XZ

	// Vol3d is volumetric data or a 3d mesh.
	Vol3d
)

// ViewTypeFromToken returns the ViewType for a canonical token (xy|yz|xz|3d).
// The single-character tokens (c|s|h|3) of earlier clients are accepted as
// aliases for backward compatibility.
func ViewTypeFromToken(token string) (ViewType, error) {
	switch token {
	case "xy", "c":
		return XY, nil
	case "yz", "s":
		return YZ, nil
	case "xz", "h":
		return XZ, nil
	case "3d", "3":
		return Vol3d, nil
	}
	return 0, fmt.Errorf("unknown view type token %q", token)
}

func (v ViewType) String() string {
	switch v {
	case XY:
		return "xy"
	case YZ:
		return "yz"
	case XZ:
		return "xz"
	case Vol3d:
		return "3d"
	}
	return fmt.Sprintf("illegal view type (%d)", uint8(v))
}
