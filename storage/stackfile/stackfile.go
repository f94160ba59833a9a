/*
	Package stackfile reads the single-file multi-resolution container
	(.vsf) used for reconstructed specimen stacks.  One file holds every
	(resolution level, channel) dataset:

		"VSF1" | uint32 header length | JSON header | dataset payloads

	The JSON header carries the element type and a dataset table of
	(level, channel, shape, offset, nbytes, codec).  Uncompressed datasets
	are read in place with bounded ReadAt calls on a shared handle, so
	concurrent requests never contend on a file position.  A
	snappy-compressed dataset is decompressed once on first use and served
	from memory after that.
*/

package stackfile

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/blang/semver"

	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/visor"
)

const (
	// Magic starts every stack container file.
	Magic = "VSF1"

	maxHeaderBytes = 16 * visor.Mega
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		visor.Criticalf("Unable to make semver in stackfile init: %v\n", err)
	}
	e := Engine{"stackfile", "single-file multi-resolution stack container", ver}
	storage.RegisterEngine(e)
}

// Engine is the stackfile storage driver.
type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string           { return e.name }
func (e Engine) GetDescription() string    { return e.desc }
func (e Engine) GetSemVer() semver.Version { return e.semver }

// NewVolumeStore opens the container at path and parses its header.
func (e Engine) NewVolumeStore(path string) (storage.VolumeStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, visor.StorageFailuref("unable to open stack container %q: %v", path, err)
	}
	s, err := parseContainer(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Store reads one stack container.  The *os.File is shared across requests;
// all reads go through ReadAt.
type Store struct {
	path  string
	f     *os.File
	dtype visor.DataType

	channels int
	datasets map[datasetKey]*dataset
}

type datasetKey struct {
	level   int
	channel int
}

type dataset struct {
	shape  [3]int64
	offset int64
	nbytes int64
	codec  visor.Compression

	// decompressed payload for non-raw codecs, loaded once
	once    sync.Once
	decoded []byte
	loadErr error
}

type headerJSON struct {
	DataType string        `json:"data_type"`
	Channels int           `json:"channels"`
	Datasets []datasetJSON `json:"datasets"`
}

type datasetJSON struct {
	Level   int      `json:"level"`
	Channel int      `json:"channel"`
	Shape   [3]int64 `json:"shape"`
	Offset  int64    `json:"offset"`
	NBytes  int64    `json:"nbytes"`
	Codec   string   `json:"codec"`
}

func parseContainer(f *os.File, path string) (*Store, error) {
	var fixed [8]byte
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, 8), fixed[:]); err != nil {
		return nil, visor.StorageFailuref("container %q too short for header: %v", path, err)
	}
	if string(fixed[:4]) != Magic {
		return nil, visor.StorageFailuref("container %q has bad magic %q", path, fixed[:4])
	}
	hdrLen := binary.LittleEndian.Uint32(fixed[4:])
	if hdrLen == 0 || hdrLen > maxHeaderBytes {
		return nil, visor.StorageFailuref("container %q header length %d out of range", path, hdrLen)
	}
	hdr := make([]byte, hdrLen)
	if _, err := f.ReadAt(hdr, 8); err != nil {
		return nil, visor.StorageFailuref("unable to read container %q header: %v", path, err)
	}
	var hj headerJSON
	if err := json.Unmarshal(hdr, &hj); err != nil {
		return nil, visor.StorageFailuref("container %q header is not valid JSON: %v", path, err)
	}

	s := &Store{
		path:     path,
		f:        f,
		dtype:    visor.DataType(hj.DataType),
		channels: hj.Channels,
		datasets: make(map[datasetKey]*dataset, len(hj.Datasets)),
	}
	if s.dtype.BytesPerVoxel() == 0 {
		return nil, visor.StorageFailuref("container %q has unsupported data type %q", path, hj.DataType)
	}
	if s.channels < 1 {
		s.channels = 1
	}
	for _, dj := range hj.Datasets {
		codec, err := visor.CompressionFromString(dj.Codec)
		if err != nil {
			return nil, visor.StorageFailuref("container %q dataset (%d,%d): %v", path, dj.Level, dj.Channel, err)
		}
		if dj.Shape[0] <= 0 || dj.Shape[1] <= 0 || dj.Shape[2] <= 0 {
			return nil, visor.StorageFailuref("container %q dataset (%d,%d) has empty shape", path, dj.Level, dj.Channel)
		}
		s.datasets[datasetKey{dj.Level, dj.Channel}] = &dataset{
			shape:  dj.Shape,
			offset: dj.Offset,
			nbytes: dj.NBytes,
			codec:  codec,
		}
	}
	if len(s.datasets) == 0 {
		return nil, visor.StorageFailuref("container %q declares no datasets", path)
	}
	return s, nil
}

func (s *Store) Close() {
	if s.f != nil {
		s.f.Close()
	}
}

func (s *Store) DataType() visor.DataType {
	return s.dtype
}

func (s *Store) lookup(level, channel int) (*dataset, error) {
	if channel < 0 || channel >= s.channels {
		return nil, visor.UnsupportedCombinationf("container %q has %d channels, requested %d",
			s.path, s.channels, channel)
	}
	ds, found := s.datasets[datasetKey{level, channel}]
	if !found {
		return nil, visor.NotFoundf("container %q has no dataset for level %d channel %d",
			s.path, level, channel)
	}
	return ds, nil
}

// Extents returns the (z, y, x) voxel extents of a resolution level.
func (s *Store) Extents(level int) (visor.Point3d, error) {
	ds, err := s.lookup(level, 0)
	if err != nil {
		return visor.Point3d{}, err
	}
	return visor.Point3d{int32(ds.shape[0]), int32(ds.shape[1]), int32(ds.shape[2])}, nil
}

// ReadVolume reads the sub-array [origin, origin+shape), clipped to the
// dataset bounds.  This is a direct bounded read, no chunk assembly.
func (s *Store) ReadVolume(ctx context.Context, level, channel int, origin, shape visor.Point3d) (*storage.Array3d, error) {
	ds, err := s.lookup(level, channel)
	if err != nil {
		return nil, err
	}
	extents := visor.Point3d{int32(ds.shape[0]), int32(ds.shape[1]), int32(ds.shape[2])}
	org, shp, ok := storage.ClipBox(origin, shape, extents)
	if !ok {
		return nil, visor.NotFoundf("box at %s of size %s lies outside dataset extents %s",
			origin, shape, extents)
	}

	bpv := int64(s.dtype.BytesPerVoxel())
	vol := &storage.Array3d{
		Shape:    shp,
		DataType: s.dtype,
		Data:     make([]byte, int64(shp[0])*int64(shp[1])*int64(shp[2])*bpv),
	}

	var decoded []byte
	if ds.codec != visor.Uncompressed {
		if decoded, err = s.datasetPayload(ds); err != nil {
			return nil, err
		}
	}

	ny, nx := ds.shape[1], ds.shape[2]
	rowBytes := int64(shp[2]) * bpv
	var dst int64
	for z := int64(org[0]); z < int64(org[0]+shp[0]); z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := int64(org[1]); y < int64(org[1]+shp[1]); y++ {
			src := ((z*ny+y)*nx + int64(org[2])) * bpv
			if decoded != nil {
				copy(vol.Data[dst:dst+rowBytes], decoded[src:src+rowBytes])
			} else if _, err := s.f.ReadAt(vol.Data[dst:dst+rowBytes], ds.offset+src); err != nil {
				return nil, visor.StorageFailuref("read of container %q at offset %d failed: %v",
					s.path, ds.offset+src, err)
			}
			dst += rowBytes
		}
	}
	return vol, nil
}

// datasetPayload decompresses a non-raw dataset exactly once.
func (s *Store) datasetPayload(ds *dataset) ([]byte, error) {
	ds.once.Do(func() {
		raw := make([]byte, ds.nbytes)
		if _, err := s.f.ReadAt(raw, ds.offset); err != nil {
			ds.loadErr = visor.StorageFailuref("unable to read dataset payload in %q: %v", s.path, err)
			return
		}
		data, err := visor.UncompressData(raw, ds.codec)
		if err != nil {
			ds.loadErr = visor.StorageFailuref("unable to decompress dataset in %q: %v", s.path, err)
			return
		}
		want := ds.shape[0] * ds.shape[1] * ds.shape[2] * int64(s.dtype.BytesPerVoxel())
		if int64(len(data)) != want {
			ds.loadErr = visor.StorageFailuref("dataset in %q decompresses to %d bytes, expected %d",
				s.path, len(data), want)
			return
		}
		ds.decoded = data
	})
	if ds.loadErr != nil {
		return nil, ds.loadErr
	}
	return ds.decoded, nil
}

// DatasetLevels returns the sorted distinct resolution levels present, used
// by the server's store introspection endpoint.
func (s *Store) DatasetLevels() []int {
	seen := make(map[int]struct{})
	for key := range s.datasets {
		seen[key.level] = struct{}{}
	}
	levels := make([]int, 0, len(seen))
	for lv := range seen {
		levels = append(levels, lv)
	}
	sort.Ints(levels)
	return levels
}
