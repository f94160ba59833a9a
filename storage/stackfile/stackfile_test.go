package stackfile

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/visor"
)

// data payloads start here; the JSON header is padded out to this offset
const testDataStart = 4096

func voxel16(z, y, x int) uint16 {
	return uint16(z*1000 + y*100 + x)
}

// buildLevel0 builds a (4, 5, 6) uint16 pattern volume for one channel,
// offset by the channel so the two channels differ.
func buildLevel0(channel int) []byte {
	data := make([]byte, 4*5*6*2)
	i := 0
	for z := 0; z < 4; z++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 6; x++ {
				binary.LittleEndian.PutUint16(data[i:], voxel16(z, y, x)+uint16(channel*10000))
				i += 2
			}
		}
	}
	return data
}

func writeTestContainer(t *testing.T) string {
	t.Helper()

	ch0 := buildLevel0(0)
	ch1 := buildLevel0(1)

	// Level 1 is a small snappy-compressed dataset.
	lv1Raw := make([]byte, 2*2*3*2)
	for i := 0; i < len(lv1Raw)/2; i++ {
		binary.LittleEndian.PutUint16(lv1Raw[i*2:], uint16(i))
	}
	lv1, err := visor.CompressData(lv1Raw, visor.Snappy)
	if err != nil {
		t.Fatal(err)
	}

	header := headerJSON{
		DataType: "uint16",
		Channels: 2,
		Datasets: []datasetJSON{
			{Level: 0, Channel: 0, Shape: [3]int64{4, 5, 6}, Offset: testDataStart, NBytes: int64(len(ch0)), Codec: "raw"},
			{Level: 0, Channel: 1, Shape: [3]int64{4, 5, 6}, Offset: testDataStart + int64(len(ch0)), NBytes: int64(len(ch1)), Codec: "raw"},
			{Level: 1, Channel: 0, Shape: [3]int64{2, 2, 3}, Offset: testDataStart + int64(len(ch0)+len(ch1)), NBytes: int64(len(lv1)), Codec: "snappy"},
		},
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	if len(hdr)+8 > testDataStart {
		t.Fatalf("test header too large: %d bytes", len(hdr))
	}

	buf := make([]byte, testDataStart)
	copy(buf, Magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(hdr)))
	copy(buf[8:], hdr)
	buf = append(buf, ch0...)
	buf = append(buf, ch1...)
	buf = append(buf, lv1...)

	fname := filepath.Join(t.TempDir(), "test.vsf")
	if err := os.WriteFile(fname, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return fname
}

func openTestContainer(t *testing.T, fname string) storage.VolumeStore {
	t.Helper()
	e, err := storage.GetEngine("stackfile")
	if err != nil {
		t.Fatal(err)
	}
	vs, err := e.NewVolumeStore(fname)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(vs.Close)
	return vs
}

func TestContainerMetadata(t *testing.T) {
	vs := openTestContainer(t, writeTestContainer(t))
	if vs.DataType() != visor.Uint16 {
		t.Errorf("bad data type %q", vs.DataType())
	}
	extents, err := vs.Extents(0)
	if err != nil {
		t.Fatal(err)
	}
	if extents != (visor.Point3d{4, 5, 6}) {
		t.Errorf("bad extents %s", extents)
	}
	levels := vs.(*Store).DatasetLevels()
	if len(levels) != 2 || levels[0] != 0 || levels[1] != 1 {
		t.Errorf("bad dataset levels %v", levels)
	}
}

func TestBoundedRead(t *testing.T) {
	vs := openTestContainer(t, writeTestContainer(t))
	ctx := context.Background()

	vol, err := vs.ReadVolume(ctx, 0, 1, visor.Point3d{1, 2, 3}, visor.Point3d{2, 2, 2})
	if err != nil {
		t.Fatal(err)
	}
	if vol.Shape != (visor.Point3d{2, 2, 2}) {
		t.Fatalf("bad shape %s", vol.Shape)
	}
	i := 0
	for z := 1; z < 3; z++ {
		for y := 2; y < 4; y++ {
			for x := 3; x < 5; x++ {
				got := binary.LittleEndian.Uint16(vol.Data[i*2:])
				want := voxel16(z, y, x) + 10000
				if got != want {
					t.Errorf("voxel (%d,%d,%d): got %d, want %d", z, y, x, got, want)
				}
				i++
			}
		}
	}
}

func TestCompressedDataset(t *testing.T) {
	vs := openTestContainer(t, writeTestContainer(t))
	ctx := context.Background()

	vol, err := vs.ReadVolume(ctx, 1, 0, visor.Point3d{0, 0, 0}, visor.Point3d{2, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		if got := binary.LittleEndian.Uint16(vol.Data[i*2:]); got != uint16(i) {
			t.Errorf("voxel %d: got %d", i, got)
		}
	}

	// Second read is served from the decompressed payload; same result.
	again, err := vs.ReadVolume(ctx, 1, 0, visor.Point3d{0, 0, 0}, visor.Point3d{2, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := range vol.Data {
		if vol.Data[i] != again.Data[i] {
			t.Fatalf("repeated read differs at byte %d", i)
		}
	}
}

func TestReadErrors(t *testing.T) {
	vs := openTestContainer(t, writeTestContainer(t))
	ctx := context.Background()

	if _, err := vs.ReadVolume(ctx, 0, 0, visor.Point3d{999999999, 0, 0}, visor.Point3d{2, 2, 2}); !errors.Is(err, visor.ErrNotFound) {
		t.Errorf("outside box: got %v", err)
	}
	if _, err := vs.ReadVolume(ctx, 9, 0, visor.Point3d{0, 0, 0}, visor.Point3d{2, 2, 2}); !errors.Is(err, visor.ErrNotFound) {
		t.Errorf("missing level: got %v", err)
	}
	if _, err := vs.ReadVolume(ctx, 0, 5, visor.Point3d{0, 0, 0}, visor.Point3d{2, 2, 2}); !errors.Is(err, visor.ErrUnsupportedCombination) {
		t.Errorf("bad channel: got %v", err)
	}

	// Clipping at the edge shrinks the result.
	vol, err := vs.ReadVolume(ctx, 0, 0, visor.Point3d{3, 4, 5}, visor.Point3d{4, 4, 4})
	if err != nil {
		t.Fatal(err)
	}
	if vol.Shape != (visor.Point3d{1, 1, 1}) {
		t.Errorf("edge box should clip to 1x1x1, got %s", vol.Shape)
	}
}

func TestBadContainer(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "bad.vsf")
	if err := os.WriteFile(fname, []byte("JUNKJUNKJUNK"), 0644); err != nil {
		t.Fatal(err)
	}
	e, err := storage.GetEngine("stackfile")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.NewVolumeStore(fname); !errors.Is(err, visor.ErrStorageFailure) {
		t.Errorf("bad magic: got %v", err)
	}
}
