/*
	Package metadata holds the specimen metadata registry and the region
	hierarchy resolver.  Both are read-mostly: all documents are loaded
	eagerly at process start into an immutable snapshot that is atomically
	swapped on reload, so concurrent readers never observe a half-updated
	registry.
*/

package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/visor-platform/visor/visor"
)

// SpecimensFilename is the metadata document holding all specimen entries,
// relative to the data root.
const SpecimensFilename = "specimens"

// VolumeRef points a modality at its backing volume store.
type VolumeRef struct {
	// Source is the store path relative to the data root.
	Source string `json:"source"`

	// Format selects the storage engine: "zarr3" or "stackfile".
	Format string `json:"format"`

	TileSize2d       visor.Point2d  `json:"tile_size_2d"`
	BlockSize3d      visor.Point3d  `json:"block_size_3d"`
	ResolutionLevels []Resolution   `json:"resolution_levels"`
	Channels         int            `json:"channels"`
	DataType         visor.DataType `json:"data_type"`

	// Encodings offered per request dimensionality.
	Encoding2d []string `json:"encoding_2d_list"`
	Encoding3d []string `json:"encoding_3d_list"`
}

// Resolution describes one level of the multi-resolution pyramid.
type Resolution struct {
	Level       int     `json:"level"`
	VoxelSizeUm float64 `json:"voxel_size_um"`
}

// MeshRef points the mesh modality at a directory of OBJ files.
type MeshRef struct {
	DirPath string `json:"dir_path"`

	// Source maps region names to OBJ filenames within DirPath.
	Source map[string]string `json:"source"`

	EncodingList []string `json:"encoding_list"`
}

// AtlasRef locates the region hierarchy document for a specimen.
type AtlasRef struct {
	DirPath string            `json:"dir_path"`
	Source  map[string]string `json:"source"`
}

// SpecimenEntry is the metadata for one specimen.  Entries are immutable
// after load and owned exclusively by the Registry.
type SpecimenEntry struct {
	ID          string `json:"-"`
	Name        string `json:"name"`
	Species     string `json:"species"`
	Description string `json:"description"`

	Image      map[string]*VolumeRef `json:"image,omitempty"`
	RegionMask map[string]*VolumeRef `json:"region_mask,omitempty"`
	Mesh       map[string]*MeshRef   `json:"mesh,omitempty"`

	AtlasReference *AtlasRef `json:"atlas_reference,omitempty"`
}

// Volume returns the backing volume reference for an array-backed modality.
// Like the viewer protocol, the first entry in key order is authoritative
// until query parameters allow selecting among several.
func (e *SpecimenEntry) Volume(m visor.Modality) (*VolumeRef, error) {
	var refs map[string]*VolumeRef
	switch m {
	case visor.Image:
		refs = e.Image
	case visor.Mask:
		refs = e.RegionMask
	default:
		return nil, visor.UnsupportedCombinationf("specimen %q: modality %s is not array-backed", e.ID, m)
	}
	if len(refs) == 0 {
		return nil, visor.UnsupportedCombinationf("specimen %q has no %s data", e.ID, m)
	}
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return refs[keys[0]], nil
}

// MeshSet returns the mesh reference for this specimen.
func (e *SpecimenEntry) MeshSet() (*MeshRef, error) {
	if len(e.Mesh) == 0 {
		return nil, visor.UnsupportedCombinationf("specimen %q has no mesh data", e.ID)
	}
	keys := make([]string, 0, len(e.Mesh))
	for k := range e.Mesh {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return e.Mesh[keys[0]], nil
}

// Encodings returns the encodings this specimen offers for a modality and view.
func (e *SpecimenEntry) Encodings(m visor.Modality, view visor.ViewType) []string {
	if m == visor.Mesh {
		ref, err := e.MeshSet()
		if err != nil {
			return nil
		}
		return ref.EncodingList
	}
	ref, err := e.Volume(m)
	if err != nil {
		return nil
	}
	if view == visor.Vol3d {
		return ref.Encoding3d
	}
	return ref.Encoding2d
}

// HasResolutionLevel reports whether the modality's volume declares the level.
func (e *SpecimenEntry) HasResolutionLevel(m visor.Modality, level int) bool {
	ref, err := e.Volume(m)
	if err != nil {
		return false
	}
	for _, res := range ref.ResolutionLevels {
		if res.Level == level {
			return true
		}
	}
	return false
}

// TileSize2d returns the tile shape used to bound 2d extraction requests,
// falling back to 512x512 when the metadata leaves it unset.
func (e *SpecimenEntry) TileSize2d(m visor.Modality) visor.Point2d {
	ref, err := e.Volume(m)
	if err != nil || ref.TileSize2d[0] == 0 {
		return visor.Point2d{512, 512}
	}
	return ref.TileSize2d
}

// BlockSize3d returns the box shape served for volumetric (3d view)
// requests, falling back to 128^3 cubes when the metadata leaves it unset.
func (e *SpecimenEntry) BlockSize3d(m visor.Modality) visor.Point3d {
	ref, err := e.Volume(m)
	if err != nil || ref.BlockSize3d[0] == 0 {
		return visor.Point3d{128, 128, 128}
	}
	return ref.BlockSize3d
}

// snapshot is one immutable view of the registry.
type snapshot struct {
	specimens map[string]*SpecimenEntry
	regions   map[string]*RegionHierarchy

	// specimens document rebuilt from the validated entries, relayed by
	// /metadata?type=specimens
	raw json.RawMessage
}

// Registry loads and serves specimen metadata.  All reads go through an
// atomically-published snapshot; Reload swaps the whole snapshot.
type Registry struct {
	root string
	snap atomic.Value // *snapshot
}

// NewRegistry eagerly loads all specimen metadata under the given data root.
// A malformed specimen entry is logged and excluded rather than failing the
// whole load; a missing or unreadable specimens document is a hard error.
func NewRegistry(root string) (*Registry, error) {
	r := &Registry{root: root}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Root returns the data root this registry was loaded from.
func (r *Registry) Root() string {
	return r.root
}

// Reload reloads all metadata documents and atomically publishes the new
// snapshot.  In-flight readers keep the old snapshot until they finish.
func (r *Registry) Reload() error {
	timedLog := visor.NewTimeLog()

	fname := filepath.Join(r.root, SpecimensFilename)
	data, err := os.ReadFile(fname)
	if err != nil {
		return visor.StorageFailuref("unable to read specimens metadata %q: %v", fname, err)
	}

	var docs map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return visor.StorageFailuref("specimens metadata %q is not a JSON object: %v", fname, err)
	}

	snap := &snapshot{
		specimens: make(map[string]*SpecimenEntry, len(docs)),
		regions:   make(map[string]*RegionHierarchy),
	}
	for id, doc := range docs {
		entry, err := parseSpecimen(id, doc)
		if err != nil {
			visor.Errorf("Excluding malformed specimen %q from registry: %v\n", id, err)
			continue
		}
		snap.specimens[id] = entry

		hier, err := loadRegionHierarchy(r.root, entry)
		if err != nil {
			visor.Warningf("Specimen %q has no usable region hierarchy: %v\n", id, err)
			continue
		}
		snap.regions[id] = hier
	}

	// The passthrough document only advertises entries that validated;
	// excluded specimens would otherwise surface to viewers unservable.
	served := make(map[string]json.RawMessage, len(snap.specimens))
	for id := range snap.specimens {
		served[id] = docs[id]
	}
	if snap.raw, err = json.Marshal(served); err != nil {
		return visor.StorageFailuref("unable to rebuild specimens document: %v", err)
	}

	r.snap.Store(snap)
	timedLog.Infof("Loaded %d of %d specimen entries (%s metadata)",
		len(snap.specimens), len(docs), humanize.Bytes(uint64(len(data))))
	return nil
}

// parseSpecimen validates one specimen document against the embedded schema
// before unmarshaling into the typed entry.
func parseSpecimen(id string, doc json.RawMessage) (*SpecimenEntry, error) {
	if err := specimenSchema.Validate(toInterface(doc)); err != nil {
		return nil, err
	}
	entry := new(SpecimenEntry)
	if err := json.Unmarshal(doc, entry); err != nil {
		return nil, err
	}
	entry.ID = id
	return entry, nil
}

func toInterface(doc json.RawMessage) interface{} {
	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil
	}
	return v
}

func (r *Registry) snapshot() *snapshot {
	return r.snap.Load().(*snapshot)
}

// Get returns the entry for a specimen or a NotFound-class error.
func (r *Registry) Get(specimenID string) (*SpecimenEntry, error) {
	entry, found := r.snapshot().specimens[specimenID]
	if !found {
		return nil, visor.NotFoundf("specimen %q not in metadata registry", specimenID)
	}
	return entry, nil
}

// List returns all specimen entries in ID order.
func (r *Registry) List() []*SpecimenEntry {
	snap := r.snapshot()
	entries := make([]*SpecimenEntry, 0, len(snap.specimens))
	for _, e := range snap.specimens {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// MarshalSpecimens returns the specimens document, limited to validated
// entries, for the /metadata?type=specimens passthrough.
func (r *Registry) MarshalSpecimens() json.RawMessage {
	return r.snapshot().raw
}

// specimenSchema is compiled once at init; the schema intentionally checks
// only structure the engine depends on, leaving viewer-facing fields open.
var specimenSchema *jsonschema.Schema

const specimenSchemaJSON = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"species": {"type": "string"},
		"image": {"$ref": "#/$defs/volumeSet"},
		"region_mask": {"$ref": "#/$defs/volumeSet"},
		"mesh": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"dir_path": {"type": "string"},
					"source": {"type": "object", "additionalProperties": {"type": "string"}}
				},
				"required": ["dir_path", "source"]
			}
		}
	},
	"$defs": {
		"volumeSet": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"source": {"type": "string"},
					"format": {"enum": ["zarr3", "stackfile"]},
					"tile_size_2d": {
						"type": "array",
						"items": {"type": "integer", "minimum": 1},
						"minItems": 2, "maxItems": 2
					},
					"channels": {"type": "integer", "minimum": 1},
					"data_type": {"enum": ["uint8", "uint16"]}
				},
				"required": ["source", "format"]
			}
		}
	}
}`

func init() {
	var err error
	specimenSchema, err = jsonschema.CompileString("specimen.json", specimenSchemaJSON)
	if err != nil {
		panic("specimen metadata schema does not compile: " + err.Error())
	}
}
