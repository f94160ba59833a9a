/*
	Package tile orchestrates one data request: a parsed identifier is
	resolved through the metadata registry to a backing store, the
	requested tile, block, mesh or cross-section is extracted, and the raw
	payload is handed to the encoder.  Stores are opened lazily and shared
	across requests, so concurrent extraction never duplicates file
	handles or bucket connections.
*/

package tile

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/visor-platform/visor/dataid"
	"github.com/visor-platform/visor/metadata"
	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/storage/meshobj"
	"github.com/visor-platform/visor/visor"
)

// PayloadKind discriminates what an extraction produced.
type PayloadKind uint8

const (
	// Tile2d is a planar array slice.
	Tile2d PayloadKind = iota

	// Block3d is a volumetric sub-array.
	Block3d

	// MeshBytes is a whole mesh file.
	MeshBytes

	// Contours is a plane cross-section polygon list.
	Contours
)

// Payload is the raw result of one extraction, before encoding.
type Payload struct {
	Kind PayloadKind

	Tile   *storage.Tile
	Volume *storage.Array3d
	Mesh   []byte
	Polys  []storage.Polygon

	// SliceZ is the sectioning coordinate for Contours payloads.
	SliceZ float32
}

// Extractor resolves descriptors against the registry and backing stores.
type Extractor struct {
	reg *metadata.Registry

	mu      sync.Mutex
	volumes map[string]storage.VolumeStore
	meshes  map[string]storage.MeshStore
}

// NewExtractor returns an extractor over the given metadata registry.
func NewExtractor(reg *metadata.Registry) *Extractor {
	return &Extractor{
		reg:     reg,
		volumes: make(map[string]storage.VolumeStore),
		meshes:  make(map[string]storage.MeshStore),
	}
}

// Shutdown closes every store the extractor has opened.
func (e *Extractor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, vs := range e.volumes {
		vs.Close()
	}
	for _, ms := range e.meshes {
		ms.Close()
	}
	e.volumes = make(map[string]storage.VolumeStore)
	e.meshes = make(map[string]storage.MeshStore)
}

// Extract runs one request end to end up to the raw payload.  All returned
// errors carry their taxonomy class: resolution misses are NotFound-class,
// store faults are StorageFailure-class.
func (e *Extractor) Extract(ctx context.Context, d *dataid.Descriptor) (*Payload, error) {
	if d.Modality == visor.Mesh {
		return e.extractMesh(ctx, d)
	}
	return e.extractArray(ctx, d)
}

func (e *Extractor) extractArray(ctx context.Context, d *dataid.Descriptor) (*Payload, error) {
	entry, err := e.reg.Get(d.SpecimenID)
	if err != nil {
		return nil, err
	}
	ref, err := entry.Volume(d.Modality)
	if err != nil {
		return nil, err
	}
	vs, err := e.volumeStore(ref)
	if err != nil {
		return nil, err
	}

	if d.View == visor.Vol3d {
		shape := entry.BlockSize3d(d.Modality)
		vol, err := vs.ReadVolume(ctx, d.ResolutionLevel, d.Channel, d.Origin, shape)
		if err != nil {
			return nil, err
		}
		return &Payload{Kind: Block3d, Volume: vol}, nil
	}

	tileSize := entry.TileSize2d(d.Modality)
	t, err := storage.ReadTile(ctx, vs, d.ResolutionLevel, d.Channel, d.View, d.Origin, tileSize)
	if err != nil {
		return nil, err
	}
	return &Payload{Kind: Tile2d, Tile: t}, nil
}

func (e *Extractor) extractMesh(ctx context.Context, d *dataid.Descriptor) (*Payload, error) {
	entry, err := e.reg.Get(d.SpecimenID)
	if err != nil {
		return nil, err
	}
	geom, err := e.reg.Resolve(d.SpecimenID, d.Region)
	if err != nil {
		return nil, err
	}
	if geom.MeshFile == "" {
		return nil, visor.NotFoundf("region %q of specimen %q has no mesh", d.Region, d.SpecimenID)
	}
	meshes, err := entry.MeshSet()
	if err != nil {
		return nil, err
	}
	ms, err := e.meshStore(meshes)
	if err != nil {
		return nil, err
	}

	if d.SliceZ == nil {
		data, err := ms.ReadMesh(ctx, geom.MeshFile)
		if err != nil {
			return nil, err
		}
		return &Payload{Kind: MeshBytes, Mesh: data}, nil
	}

	z := float32(*d.SliceZ)
	polys, err := ms.CrossSection(ctx, geom.MeshFile, z)
	if err != nil {
		return nil, err
	}
	return &Payload{Kind: Contours, Polys: polys, SliceZ: z}, nil
}

// volumeStore returns the shared store for a volume reference, opening it
// through the registered engine on first use.
func (e *Extractor) volumeStore(ref *metadata.VolumeRef) (storage.VolumeStore, error) {
	path := ref.Source
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.reg.Root(), ref.Source)
	}
	key := ref.Format + "|" + path

	e.mu.Lock()
	defer e.mu.Unlock()
	if vs, found := e.volumes[key]; found {
		return vs, nil
	}
	engine, err := storage.GetEngine(ref.Format)
	if err != nil {
		return nil, visor.StorageFailuref("volume reference %q: %v", ref.Source, err)
	}
	vs, err := engine.NewVolumeStore(path)
	if err != nil {
		return nil, err
	}
	e.volumes[key] = vs
	return vs, nil
}

func (e *Extractor) meshStore(ref *metadata.MeshRef) (storage.MeshStore, error) {
	dir := ref.DirPath
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.reg.Root(), ref.DirPath)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ms, found := e.meshes[dir]; found {
		return ms, nil
	}
	ms := meshobj.NewStore(dir)
	e.meshes[dir] = ms
	return ms, nil
}
