package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/visor-platform/visor/visor"
)

// Region is one named anatomical area in a specimen's hierarchy document.
type Region struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`

	// Value is the label value of this region in the mask volume.
	Value int `json:"value"`

	ParentID *int  `json:"parent_id"`
	Children []int `json:"children"`

	// BoundingBox is [z0,y0,x0,z1,y1,x1] in level-0 voxels, if known.
	BoundingBox []int32 `json:"bbox,omitempty"`
}

// RegionHierarchy is the loaded region tree for one specimen.  Read-only
// after load; owned by the registry snapshot it belongs to.
type RegionHierarchy struct {
	Metadata map[string]interface{} `json:"metadata"`
	Regions  []*Region              `json:"regions"`

	byName  map[string]*Region
	byValue map[int]*Region
	raw     json.RawMessage
}

func loadRegionHierarchy(root string, entry *SpecimenEntry) (*RegionHierarchy, error) {
	if entry.AtlasReference == nil {
		return nil, fmt.Errorf("no atlas reference")
	}
	relname, found := entry.AtlasReference.Source["regions"]
	if !found {
		return nil, fmt.Errorf("atlas reference names no regions document")
	}
	fname := filepath.Join(root, entry.AtlasReference.DirPath, relname)
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	h := new(RegionHierarchy)
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("regions document %q: %v", fname, err)
	}
	h.raw = data
	h.byName = make(map[string]*Region, len(h.Regions))
	h.byValue = make(map[int]*Region, len(h.Regions))
	for _, region := range h.Regions {
		h.byName[region.Name] = region
		h.byValue[region.Value] = region
	}
	return h, nil
}

// RegionGeometry is what the tile extractor needs to serve a mesh request.
type RegionGeometry struct {
	Region *Region

	// MeshFile is the OBJ filename within the specimen's mesh directory,
	// empty when the region carries no mesh.
	MeshFile string
}

// Resolve maps a region name to its geometry for the given specimen.  Name
// matching is exact and case-sensitive.
func (r *Registry) Resolve(specimenID, regionName string) (*RegionGeometry, error) {
	entry, err := r.Get(specimenID)
	if err != nil {
		return nil, err
	}

	geom := new(RegionGeometry)
	if hier, found := r.snapshot().regions[specimenID]; found {
		geom.Region = hier.byName[regionName]
	}

	if meshes, err := entry.MeshSet(); err == nil {
		geom.MeshFile = meshes.Source[regionName]
	}
	if geom.Region == nil && geom.MeshFile == "" {
		return nil, visor.NotFoundf("region %q unknown for specimen %q", regionName, specimenID)
	}
	return geom, nil
}

// Hierarchy returns the region hierarchy document verbatim for the
// /metadata?type=regions passthrough.
func (r *Registry) Hierarchy(specimenID string) (json.RawMessage, error) {
	if _, err := r.Get(specimenID); err != nil {
		return nil, err
	}
	hier, found := r.snapshot().regions[specimenID]
	if !found {
		return nil, visor.NotFoundf("no region hierarchy for specimen %q", specimenID)
	}
	return hier.raw, nil
}

// RegionByValue returns the region whose mask label equals the given value.
func (r *Registry) RegionByValue(specimenID string, value int) (*Region, error) {
	hier, found := r.snapshot().regions[specimenID]
	if !found {
		return nil, visor.NotFoundf("no region hierarchy for specimen %q", specimenID)
	}
	region, found := hier.byValue[value]
	if !found {
		return nil, visor.NotFoundf("no region with mask value %d in specimen %q", value, specimenID)
	}
	return region, nil
}

// SearchRegions returns regions whose name or abbreviation contains the query,
// case-insensitive, in document order.
func (r *Registry) SearchRegions(specimenID, query string) ([]*Region, error) {
	hier, found := r.snapshot().regions[specimenID]
	if !found {
		return nil, visor.NotFoundf("no region hierarchy for specimen %q", specimenID)
	}
	q := strings.ToLower(query)
	var matches []*Region
	for _, region := range hier.Regions {
		if strings.Contains(strings.ToLower(region.Name), q) ||
			strings.Contains(strings.ToLower(region.Abbreviation), q) {
			matches = append(matches, region)
		}
	}
	return matches, nil
}
