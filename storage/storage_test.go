package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/visor-platform/visor/visor"
)

func TestClipBox(t *testing.T) {
	extents := visor.Point3d{100, 200, 300}

	org, shp, ok := ClipBox(visor.Point3d{10, 20, 30}, visor.Point3d{5, 5, 5}, extents)
	if !ok || org != (visor.Point3d{10, 20, 30}) || shp != (visor.Point3d{5, 5, 5}) {
		t.Errorf("interior box altered: %s %s %t", org, shp, ok)
	}

	// Partially outside boxes clip deterministically.
	org, shp, ok = ClipBox(visor.Point3d{-10, 195, 290}, visor.Point3d{20, 20, 20}, extents)
	if !ok || org != (visor.Point3d{0, 195, 290}) || shp != (visor.Point3d{10, 5, 10}) {
		t.Errorf("bad partial clip: %s %s %t", org, shp, ok)
	}

	// Fully outside boxes fail rather than return empty arrays.
	if _, _, ok := ClipBox(visor.Point3d{999999999, 0, 0}, visor.Point3d{4, 4, 4}, extents); ok {
		t.Errorf("box beyond extents should not clip")
	}
	if _, _, ok := ClipBox(visor.Point3d{-10, 0, 0}, visor.Point3d{4, 4, 4}, extents); ok {
		t.Errorf("box before origin should not clip")
	}
}

// testVolume builds a (z, y, x) uint8 volume whose value encodes its
// coordinate, so slicing mistakes are visible.
func testVolume(nz, ny, nx int32) *Array3d {
	data := make([]byte, int(nz)*int(ny)*int(nx))
	i := 0
	for z := int32(0); z < nz; z++ {
		for y := int32(0); y < ny; y++ {
			for x := int32(0); x < nx; x++ {
				data[i] = byte(z*100 + y*10 + x)
				i++
			}
		}
	}
	return &Array3d{Shape: visor.Point3d{nz, ny, nx}, DataType: visor.Uint8, Data: data}
}

// sliceStore serves sub-arrays of a fixed in-memory volume.
type sliceStore struct {
	vol *Array3d
}

func (s *sliceStore) ReadVolume(ctx context.Context, level, channel int, origin, shape visor.Point3d) (*Array3d, error) {
	org, shp, ok := ClipBox(origin, shape, s.vol.Shape)
	if !ok {
		return nil, visor.NotFoundf("box outside test volume")
	}
	out := &Array3d{Shape: shp, DataType: s.vol.DataType, Data: make([]byte, shp.Prod())}
	i := 0
	for z := org[0]; z < org[0]+shp[0]; z++ {
		for y := org[1]; y < org[1]+shp[1]; y++ {
			for x := org[2]; x < org[2]+shp[2]; x++ {
				src := (int64(z)*int64(s.vol.Shape[1])+int64(y))*int64(s.vol.Shape[2]) + int64(x)
				out.Data[i] = s.vol.Data[src]
				i++
			}
		}
	}
	return out, nil
}

func (s *sliceStore) Extents(level int) (visor.Point3d, error) { return s.vol.Shape, nil }
func (s *sliceStore) DataType() visor.DataType                 { return s.vol.DataType }
func (s *sliceStore) Close()                                   {}

func TestReadTilePlanes(t *testing.T) {
	vs := &sliceStore{vol: testVolume(4, 5, 6)}
	ctx := context.Background()

	// xy: rows = y, cols = x at fixed z.
	tile, err := ReadTile(ctx, vs, 0, 0, visor.XY, visor.Point3d{2, 1, 2}, visor.Point2d{3, 3})
	if err != nil {
		t.Fatal(err)
	}
	if tile.Size != (visor.Point2d{3, 3}) {
		t.Fatalf("bad xy tile size: %s", tile.Size)
	}
	if tile.Data[0] != byte(2*100+1*10+2) || tile.Data[4] != byte(2*100+2*10+3) {
		t.Errorf("bad xy tile content: %v", tile.Data)
	}

	// xz: rows = z, cols = x at fixed y.
	tile, err = ReadTile(ctx, vs, 0, 0, visor.XZ, visor.Point3d{1, 3, 0}, visor.Point2d{2, 4})
	if err != nil {
		t.Fatal(err)
	}
	if tile.Size != (visor.Point2d{2, 4}) {
		t.Fatalf("bad xz tile size: %s", tile.Size)
	}
	if tile.Data[0] != byte(1*100+3*10+0) || tile.Data[5] != byte(2*100+3*10+1) {
		t.Errorf("bad xz tile content: %v", tile.Data)
	}

	// yz: rows = y, cols = z at fixed x; requires transposition.
	tile, err = ReadTile(ctx, vs, 0, 0, visor.YZ, visor.Point3d{0, 0, 5}, visor.Point2d{5, 4})
	if err != nil {
		t.Fatal(err)
	}
	if tile.Size != (visor.Point2d{5, 4}) {
		t.Fatalf("bad yz tile size: %s", tile.Size)
	}
	// element (row=y 2, col=z 3) is voxel (z=3, y=2, x=5); the pattern
	// value wraps modulo 256 the same way testVolume stores it
	want := 3*100 + 2*10 + 5
	if tile.Data[2*4+3] != byte(want) {
		t.Errorf("bad yz tile content: %v", tile.Data)
	}

	// Clipping at the volume edge shrinks the tile, never pads it.
	tile, err = ReadTile(ctx, vs, 0, 0, visor.XY, visor.Point3d{0, 3, 4}, visor.Point2d{3, 3})
	if err != nil {
		t.Fatal(err)
	}
	if tile.Size != (visor.Point2d{2, 2}) {
		t.Errorf("edge tile should clip to 2x2, got %s", tile.Size)
	}

	// A 3d view is not a sectioning plane.
	if _, err := ReadTile(ctx, vs, 0, 0, visor.Vol3d, visor.Point3d{0, 0, 0}, visor.Point2d{2, 2}); err == nil {
		t.Errorf("expected error for 3d view tile read")
	}

	// Fully outside propagates the store's NotFound.
	_, err = ReadTile(ctx, vs, 0, 0, visor.XY, visor.Point3d{99, 0, 0}, visor.Point2d{2, 2})
	if !errors.Is(err, visor.ErrNotFound) {
		t.Errorf("outside tile: got %v", err)
	}
}

func TestEngineRegistry(t *testing.T) {
	if _, err := GetEngine("no-such-format"); err == nil {
		t.Errorf("expected error for unregistered engine")
	}
}
