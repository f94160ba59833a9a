/*
	Package zarr3 reads the chunked multi-resolution array stores holding
	specimen imagery.  The layout is Zarr v3 with the sharding codec: one
	array per resolution level (directory named by level number, metadata in
	its zarr.json), shard files under `<level>/c/` addressed by shard grid
	coordinate, each shard holding many inner chunks plus a trailing index
	of uint64 (offset, nbytes) pairs and a crc32c footer.  A chunk whose
	index entry is all ones is absent and reads as the array's fill value.

	Stores are accessed through gocloud.dev blob buckets so a local
	directory and a cloud bucket behave identically.  Shard indices are
	cached since a shard is re-read across many tile requests.
*/

package zarr3

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/blang/semver"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/visor"
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		visor.Criticalf("Unable to make semver in zarr3 init: %v\n", err)
	}
	e := Engine{"zarr3", "Zarr v3 sharded array store", ver}
	storage.RegisterEngine(e)
}

const (
	// absent chunks carry this sentinel in both index entry words
	absentEntry = math.MaxUint64

	crcFooterBytes = 4

	// shards fetched concurrently per volume read
	readConcurrency = 8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Engine is the zarr3 storage driver.
type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string           { return e.name }
func (e Engine) GetDescription() string    { return e.desc }
func (e Engine) GetSemVer() semver.Version { return e.semver }
func (e Engine) String() string            { return fmt.Sprintf("%s [%s]", e.name, e.semver) }

// NewVolumeStore opens the store at path, either a local directory or a
// blob URL like s3://bucket/prefix.
func (e Engine) NewVolumeStore(path string) (storage.VolumeStore, error) {
	ctx := context.Background()
	var bucket *blob.Bucket
	var err error
	if strings.Contains(path, "://") {
		bucket, err = blob.OpenBucket(ctx, path)
	} else {
		bucket, err = fileblob.OpenBucket(path, nil)
	}
	if err != nil {
		return nil, visor.StorageFailuref("unable to open zarr3 store %q: %v", path, err)
	}
	s := &Store{
		path:    path,
		bucket:  bucket,
		levels:  make(map[int]*levelMeta),
		indices: make(map[string][]uint64),
	}
	s.grid = storage.WrapGrid(path, s)

	// Level 0 always exists and fixes the element type for the store.
	meta, err := s.levelMeta(ctx, 0)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	s.dtype = meta.dtype
	return s, nil
}

// Store reads one specimen's zarr3 array pyramid.
type Store struct {
	path   string
	bucket *blob.Bucket
	dtype  visor.DataType

	// grid is the chunk fetch path, possibly wrapped by groupcache.
	grid storage.GridStore

	metaMu sync.RWMutex
	levels map[int]*levelMeta

	idxMu   sync.RWMutex
	indices map[string][]uint64
}

// levelMeta is the parsed zarr.json of one resolution level, normalized to
// four dimensions (channel, z, y, x).
type levelMeta struct {
	shape   [4]int64
	shardSz [4]int64
	chunkSz [4]int64

	// chunks per shard along each dimension
	grid [4]int64

	codec     visor.Compression
	dtype     visor.DataType
	fillValue float64

	// shardDims is the dimensionality of shard paths on disk, 3 when the
	// array has no channel axis.
	shardDims int

	indexBytes int64
}

// zarr.json wire structures, limited to the fields the reader needs.
type arrayMetaJSON struct {
	Shape     []int64 `json:"shape"`
	DataType  string  `json:"data_type"`
	ChunkGrid struct {
		Configuration struct {
			ChunkShape []int64 `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	Codecs    []codecJSON `json:"codecs"`
	FillValue float64     `json:"fill_value"`
}

type codecJSON struct {
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
}

type shardingConfigJSON struct {
	ChunkShape    []int64     `json:"chunk_shape"`
	Codecs        []codecJSON `json:"codecs"`
	IndexCodecs   []codecJSON `json:"index_codecs"`
	IndexLocation string      `json:"index_location"`
}

func (s *Store) Close() {
	if s.bucket != nil {
		s.bucket.Close()
	}
}

func (s *Store) DataType() visor.DataType {
	return s.dtype
}

// Extents returns the (z, y, x) voxel extents of a resolution level.
func (s *Store) Extents(level int) (visor.Point3d, error) {
	meta, err := s.levelMeta(context.Background(), level)
	if err != nil {
		return visor.Point3d{}, err
	}
	return visor.Point3d{int32(meta.shape[1]), int32(meta.shape[2]), int32(meta.shape[3])}, nil
}

func (s *Store) levelMeta(ctx context.Context, level int) (*levelMeta, error) {
	s.metaMu.RLock()
	meta, found := s.levels[level]
	s.metaMu.RUnlock()
	if found {
		return meta, nil
	}

	key := fmt.Sprintf("%d/zarr.json", level)
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, visor.NotFoundf("store %q has no resolution level %d", s.path, level)
		}
		return nil, visor.StorageFailuref("unable to read %s in store %q: %v", key, s.path, err)
	}
	meta, err = parseLevelMeta(data)
	if err != nil {
		return nil, visor.StorageFailuref("bad %s in store %q: %v", key, s.path, err)
	}

	s.metaMu.Lock()
	s.levels[level] = meta
	s.metaMu.Unlock()
	return meta, nil
}

func parseLevelMeta(data []byte) (*levelMeta, error) {
	var aj arrayMetaJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return nil, err
	}
	ndims := len(aj.Shape)
	if ndims != 3 && ndims != 4 {
		return nil, fmt.Errorf("array has %d dimensions, expected 3 or 4", ndims)
	}
	if len(aj.ChunkGrid.Configuration.ChunkShape) != ndims {
		return nil, fmt.Errorf("chunk grid dimensionality mismatch")
	}
	if len(aj.Codecs) != 1 || aj.Codecs[0].Name != "sharding_indexed" {
		return nil, fmt.Errorf("array is not sharding_indexed")
	}
	var sj shardingConfigJSON
	if err := json.Unmarshal(aj.Codecs[0].Configuration, &sj); err != nil {
		return nil, err
	}
	if len(sj.ChunkShape) != ndims {
		return nil, fmt.Errorf("inner chunk dimensionality mismatch")
	}
	if sj.IndexLocation != "" && sj.IndexLocation != "end" {
		return nil, fmt.Errorf("index location %q unsupported, only trailing indices are read", sj.IndexLocation)
	}
	if len(sj.IndexCodecs) > 0 && sj.IndexCodecs[0].Name != "bytes" {
		return nil, fmt.Errorf("index codec %q unsupported", sj.IndexCodecs[0].Name)
	}

	meta := &levelMeta{fillValue: aj.FillValue, shardDims: ndims}
	switch aj.DataType {
	case "uint8":
		meta.dtype = visor.Uint8
	case "uint16":
		meta.dtype = visor.Uint16
	default:
		return nil, fmt.Errorf("data type %q unsupported", aj.DataType)
	}

	// Normalize 3d arrays to a singleton channel axis.
	pad := 4 - ndims
	for i := 0; i < pad; i++ {
		meta.shape[i], meta.shardSz[i], meta.chunkSz[i] = 1, 1, 1
	}
	for i := 0; i < ndims; i++ {
		meta.shape[pad+i] = aj.Shape[i]
		meta.shardSz[pad+i] = aj.ChunkGrid.Configuration.ChunkShape[i]
		meta.chunkSz[pad+i] = sj.ChunkShape[i]
	}
	if meta.chunkSz[0] != 1 || meta.shardSz[0] != 1 {
		return nil, fmt.Errorf("channel axis must be unchunked (extent 1 per shard)")
	}

	nEntries := int64(1)
	for i := 0; i < 4; i++ {
		if meta.chunkSz[i] <= 0 || meta.shardSz[i]%meta.chunkSz[i] != 0 {
			return nil, fmt.Errorf("shard shape not a multiple of chunk shape")
		}
		meta.grid[i] = meta.shardSz[i] / meta.chunkSz[i]
		nEntries *= meta.grid[i]
	}
	meta.indexBytes = nEntries * 16

	// Inner codec chain is "bytes" optionally followed by one compressor.
	codec := visor.Uncompressed
	if len(sj.Codecs) > 0 {
		if sj.Codecs[0].Name != "bytes" {
			return nil, fmt.Errorf("inner codec %q unsupported", sj.Codecs[0].Name)
		}
		if len(sj.Codecs) > 1 {
			var err error
			if codec, err = visor.CompressionFromString(sj.Codecs[1].Name); err != nil {
				return nil, fmt.Errorf("chunk compression %q unsupported", sj.Codecs[1].Name)
			}
		}
	}
	meta.codec = codec
	return meta, nil
}

// shardKey builds the blob key of a shard from its grid coordinate, using
// only the trailing dimensions present on disk.
func (meta *levelMeta) shardKey(level int, shardIdx [4]int64) string {
	parts := make([]string, 0, 5)
	parts = append(parts, fmt.Sprintf("%d/c", level))
	for i := 4 - meta.shardDims; i < 4; i++ {
		parts = append(parts, fmt.Sprintf("%d", shardIdx[i]))
	}
	return strings.Join(parts, "/")
}

// shardIndex returns the cached (offset, nbytes) index of a shard, loading
// and checksum-verifying it on first use.  A nil slice with nil error means
// the shard file does not exist.
func (s *Store) shardIndex(ctx context.Context, meta *levelMeta, key string) ([]uint64, error) {
	s.idxMu.RLock()
	idx, found := s.indices[key]
	s.idxMu.RUnlock()
	if found {
		if len(idx) == 0 {
			return nil, nil
		}
		return idx, nil
	}

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			s.idxMu.Lock()
			s.indices[key] = []uint64{}
			s.idxMu.Unlock()
			return nil, nil
		}
		return nil, visor.StorageFailuref("unable to stat shard %q: %v", key, err)
	}
	footer := meta.indexBytes + crcFooterBytes
	if attrs.Size < footer {
		return nil, visor.StorageFailuref("shard %q smaller (%d bytes) than its index footer", key, attrs.Size)
	}
	raw, err := s.rangeRead(ctx, key, attrs.Size-footer, footer)
	if err != nil {
		return nil, err
	}
	idxBytes := raw[:meta.indexBytes]
	wantCRC := binary.LittleEndian.Uint32(raw[meta.indexBytes:])
	if crc32.Checksum(idxBytes, crcTable) != wantCRC {
		return nil, visor.StorageFailuref("shard %q index fails crc32c check", key)
	}

	idx = make([]uint64, meta.indexBytes/8)
	for i := range idx {
		idx[i] = binary.LittleEndian.Uint64(idxBytes[i*8:])
	}

	s.idxMu.Lock()
	s.indices[key] = idx
	s.idxMu.Unlock()
	return idx, nil
}

func (s *Store) rangeRead(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	r, err := s.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, visor.StorageFailuref("unable to range-read shard %q @ %d: %v", key, offset, err)
	}
	defer r.Close()
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, visor.StorageFailuref("short read on shard %q @ %d: %v", key, offset, err)
	}
	return data, nil
}

// GridGet fetches the encoded bytes of one inner chunk.  The chunk
// coordinate is in (z, y, x) chunk-grid units at the given level.
func (s *Store) GridGet(ctx context.Context, level, channel int, chunk visor.Point3d) ([]byte, error) {
	meta, err := s.levelMeta(ctx, level)
	if err != nil {
		return nil, err
	}
	chunkIdx := [4]int64{int64(channel), int64(chunk[0]), int64(chunk[1]), int64(chunk[2])}

	var shardIdx, inner [4]int64
	for i := 0; i < 4; i++ {
		shardIdx[i] = chunkIdx[i] / meta.grid[i]
		inner[i] = chunkIdx[i] % meta.grid[i]
	}
	key := meta.shardKey(level, shardIdx)
	idx, err := s.shardIndex(ctx, meta, key)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}

	flat := ((inner[0]*meta.grid[1]+inner[1])*meta.grid[2]+inner[2])*meta.grid[3] + inner[3]
	offset, nbytes := idx[2*flat], idx[2*flat+1]
	if offset == absentEntry && nbytes == absentEntry {
		return nil, nil
	}
	return s.rangeRead(ctx, key, int64(offset), int64(nbytes))
}

// ReadVolume assembles the sub-array [origin, origin+shape) at the given
// level and channel from all covering chunks, clipping to the volume bounds.
func (s *Store) ReadVolume(ctx context.Context, level, channel int, origin, shape visor.Point3d) (*storage.Array3d, error) {
	meta, err := s.levelMeta(ctx, level)
	if err != nil {
		return nil, err
	}
	if int64(channel) >= meta.shape[0] || channel < 0 {
		return nil, visor.UnsupportedCombinationf("store %q level %d has %d channels, requested %d",
			s.path, level, meta.shape[0], channel)
	}
	extents := visor.Point3d{int32(meta.shape[1]), int32(meta.shape[2]), int32(meta.shape[3])}
	org, shp, ok := storage.ClipBox(origin, shape, extents)
	if !ok {
		return nil, visor.NotFoundf("box at %s of size %s lies outside volume extents %s",
			origin, shape, extents)
	}

	bpv := int64(meta.dtype.BytesPerVoxel())
	vol := &storage.Array3d{
		Shape:    shp,
		DataType: meta.dtype,
		Data:     make([]byte, int64(shp[0])*int64(shp[1])*int64(shp[2])*bpv),
	}
	if meta.fillValue != 0 {
		fillBuffer(vol.Data, meta.dtype, meta.fillValue)
	}

	var chunkBeg, chunkEnd [3]int64
	for i := 0; i < 3; i++ {
		chunkBeg[i] = int64(org[i]) / meta.chunkSz[i+1]
		chunkEnd[i] = int64(org[i]+shp[i]-1) / meta.chunkSz[i+1]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for cz := chunkBeg[0]; cz <= chunkEnd[0]; cz++ {
		for cy := chunkBeg[1]; cy <= chunkEnd[1]; cy++ {
			for cx := chunkBeg[2]; cx <= chunkEnd[2]; cx++ {
				chunk := visor.Point3d{int32(cz), int32(cy), int32(cx)}
				g.Go(func() error {
					return s.readChunkInto(gctx, meta, level, channel, chunk, vol, org)
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vol, nil
}

// readChunkInto fetches, decodes and copies one chunk's overlap with the
// output sub-array.  Chunks write disjoint output regions so no locking is
// needed.
func (s *Store) readChunkInto(ctx context.Context, meta *levelMeta, level, channel int,
	chunk visor.Point3d, vol *storage.Array3d, org visor.Point3d) error {

	encoded, err := s.grid.GridGet(ctx, level, channel, chunk)
	if err != nil {
		return err
	}
	if encoded == nil {
		// Absent chunk: the output is already fill-valued.
		return nil
	}
	data, err := visor.UncompressData(encoded, meta.codec)
	if err != nil {
		return visor.StorageFailuref("unable to decode chunk %s at level %d in store %q: %v",
			chunk, level, s.path, err)
	}
	bpv := int64(meta.dtype.BytesPerVoxel())
	cz, cy, cx := meta.chunkSz[1], meta.chunkSz[2], meta.chunkSz[3]
	if int64(len(data)) != cz*cy*cx*bpv {
		return visor.StorageFailuref("chunk %s at level %d in store %q decodes to %d bytes, expected %d",
			chunk, level, s.path, len(data), cz*cy*cx*bpv)
	}

	// Overlap of this chunk with the output box, in voxel coordinates.
	var beg, end [3]int64
	chunkOrigin := [3]int64{int64(chunk[0]) * cz, int64(chunk[1]) * cy, int64(chunk[2]) * cx}
	chunkDims := [3]int64{cz, cy, cx}
	for i := 0; i < 3; i++ {
		beg[i] = chunkOrigin[i]
		if o := int64(org[i]); o > beg[i] {
			beg[i] = o
		}
		end[i] = chunkOrigin[i] + chunkDims[i]
		if e := int64(org[i] + vol.Shape[i]); e < end[i] {
			end[i] = e
		}
	}

	rowBytes := (end[2] - beg[2]) * bpv
	for z := beg[0]; z < end[0]; z++ {
		for y := beg[1]; y < end[1]; y++ {
			src := (((z-chunkOrigin[0])*cy+(y-chunkOrigin[1]))*cx + (beg[2] - chunkOrigin[2])) * bpv
			dst := (((z-int64(org[0]))*int64(vol.Shape[1])+(y-int64(org[1])))*int64(vol.Shape[2]) +
				(beg[2] - int64(org[2]))) * bpv
			copy(vol.Data[dst:dst+rowBytes], data[src:src+rowBytes])
		}
	}
	return nil
}

// fillBuffer writes the fill value across a voxel buffer.
func fillBuffer(data []byte, dtype visor.DataType, fill float64) {
	switch dtype {
	case visor.Uint8:
		b := byte(fill)
		for i := range data {
			data[i] = b
		}
	case visor.Uint16:
		v := uint16(fill)
		for i := 0; i+1 < len(data); i += 2 {
			binary.LittleEndian.PutUint16(data[i:], v)
		}
	}
}
