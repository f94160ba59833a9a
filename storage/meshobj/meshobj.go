/*
	Package meshobj serves the static region meshes of a specimen.  Meshes
	are Wavefront OBJ files in a per-specimen directory; whole-object
	requests return the file bytes verbatim while plane requests compute
	the cross-section of the triangulated surface at a fixed z, returning
	closed contour polygons.  Parsed meshes are cached since a viewer
	sweeping through planes hits the same mesh repeatedly.
*/

package meshobj

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/visor"
)

// Store reads meshes from one specimen's mesh directory.
type Store struct {
	dir string

	mu     sync.RWMutex
	parsed map[string]*triMesh
}

// NewStore returns a mesh store rooted at the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir, parsed: make(map[string]*triMesh)}
}

func (s *Store) Close() {}

func (s *Store) resolve(meshFile string) (string, error) {
	clean := filepath.Clean(meshFile)
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", visor.MalformedIdentifierf("illegal mesh file reference %q", meshFile)
	}
	return filepath.Join(s.dir, clean), nil
}

// ReadMesh returns the whole OBJ file verbatim.
func (s *Store) ReadMesh(ctx context.Context, meshFile string) ([]byte, error) {
	fname, err := s.resolve(meshFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, visor.NotFoundf("mesh file %q not present", meshFile)
		}
		return nil, visor.StorageFailuref("unable to read mesh file %q: %v", fname, err)
	}
	return data, nil
}

// CrossSection intersects the mesh with the plane at the given z and returns
// the closed contour polygons.  Output ordering is deterministic: polygons
// and their starting vertices follow the quantized coordinate order.
func (s *Store) CrossSection(ctx context.Context, meshFile string, z float32) ([]storage.Polygon, error) {
	mesh, err := s.mesh(meshFile)
	if err != nil {
		return nil, err
	}
	segs := mesh.planeSegments(z)
	if len(segs) == 0 {
		return nil, visor.NotFoundf("mesh %q does not intersect plane z=%g", meshFile, z)
	}
	return stitch(segs), nil
}

func (s *Store) mesh(meshFile string) (*triMesh, error) {
	s.mu.RLock()
	mesh, found := s.parsed[meshFile]
	s.mu.RUnlock()
	if found {
		return mesh, nil
	}

	data, err := s.ReadMesh(context.Background(), meshFile)
	if err != nil {
		return nil, err
	}
	mesh, err = parseOBJ(data)
	if err != nil {
		return nil, visor.StorageFailuref("mesh file %q: %v", meshFile, err)
	}

	s.mu.Lock()
	s.parsed[meshFile] = mesh
	s.mu.Unlock()
	return mesh, nil
}

type vec3 [3]float32

// triMesh is a triangulated surface.  Faces with more than three vertices
// are fanned during parse.
type triMesh struct {
	verts []vec3
	tris  [][3]int
}

func parseOBJ(data []byte) (*triMesh, error) {
	mesh := new(triMesh)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*visor.Kilo), visor.Mega)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: vertex needs 3 coordinates", lineNum)
			}
			var v vec3
			for i := 0; i < 3; i++ {
				f, err := strconv.ParseFloat(fields[i+1], 32)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad vertex coordinate %q", lineNum, fields[i+1])
				}
				v[i] = float32(f)
			}
			mesh.verts = append(mesh.verts, v)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 vertices", lineNum)
			}
			idx := make([]int, len(fields)-1)
			for i, tok := range fields[1:] {
				// face tokens may be v, v/vt, or v/vt/vn
				if slash := strings.IndexByte(tok, '/'); slash >= 0 {
					tok = tok[:slash]
				}
				n, err := strconv.Atoi(tok)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad face index %q", lineNum, tok)
				}
				if n < 0 {
					n = len(mesh.verts) + n + 1
				}
				if n < 1 || n > len(mesh.verts) {
					return nil, fmt.Errorf("line %d: face index %d out of range", lineNum, n)
				}
				idx[i] = n - 1
			}
			for i := 1; i+1 < len(idx); i++ {
				mesh.tris = append(mesh.tris, [3]int{idx[0], idx[i], idx[i+1]})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(mesh.tris) == 0 {
		return nil, fmt.Errorf("no faces found")
	}
	return mesh, nil
}

type segment struct {
	a, b [2]float32
}

// planeSegments intersects every triangle with the plane z = zc.  Vertices
// exactly on the plane are nudged so each crossing triangle yields one
// segment.
func (m *triMesh) planeSegments(zc float32) []segment {
	const eps = 1e-6
	var segs []segment
	for _, tri := range m.tris {
		var d [3]float32
		for i := 0; i < 3; i++ {
			d[i] = m.verts[tri[i]][2] - zc
			if d[i] == 0 {
				d[i] = eps
			}
		}
		var pts [][2]float32
		for i := 0; i < 3; i++ {
			j := (i + 1) % 3
			if (d[i] > 0) == (d[j] > 0) {
				continue
			}
			vi, vj := m.verts[tri[i]], m.verts[tri[j]]
			t := d[i] / (d[i] - d[j])
			pts = append(pts, [2]float32{
				vi[0] + t*(vj[0]-vi[0]),
				vi[1] + t*(vj[1]-vi[1]),
			})
		}
		if len(pts) == 2 {
			segs = append(segs, segment{pts[0], pts[1]})
		}
	}
	return segs
}

// quantized point key so floating-point endpoints from adjacent triangles
// match up during stitching; rounding must stay symmetric across zero so
// negative coordinates bucket as evenly as positive ones
func pointKey(p [2]float32) [2]int64 {
	const scale = 1 << 12
	return [2]int64{
		int64(math.Floor(float64(p[0])*scale + 0.5)),
		int64(math.Floor(float64(p[1])*scale + 0.5)),
	}
}

type link struct {
	segIdx int
	other  [2]int64
}

// stitch links plane segments into closed polygons.  Segment endpoints from
// adjacent triangles coincide up to float rounding, so linking is done on
// quantized keys; traversal order is sorted for determinism.
func stitch(segs []segment) []storage.Polygon {
	adj := make(map[[2]int64][]link)
	pos := make(map[[2]int64][2]float32)
	for i, seg := range segs {
		ka, kb := pointKey(seg.a), pointKey(seg.b)
		if ka == kb {
			continue
		}
		adj[ka] = append(adj[ka], link{i, kb})
		adj[kb] = append(adj[kb], link{i, ka})
		pos[ka] = seg.a
		pos[kb] = seg.b
	}

	starts := make([][2]int64, 0, len(adj))
	for k := range adj {
		starts = append(starts, k)
	}
	sort.Slice(starts, func(i, j int) bool {
		if starts[i][0] != starts[j][0] {
			return starts[i][0] < starts[j][0]
		}
		return starts[i][1] < starts[j][1]
	})

	used := make([]bool, len(segs))
	var polys []storage.Polygon
	for _, start := range starts {
		poly := walkLoop(start, adj, pos, used)
		if len(poly) >= 3 {
			polys = append(polys, poly)
		}
	}
	return polys
}

func walkLoop(start [2]int64, adj map[[2]int64][]link, pos map[[2]int64][2]float32, used []bool) storage.Polygon {
	var poly storage.Polygon
	cur := start
	for {
		poly = append(poly, pos[cur])
		next, found := nextHop(cur, adj, used)
		if !found {
			if len(poly) == 1 {
				return nil
			}
			return poly
		}
		if next == start {
			return poly
		}
		cur = next
	}
}

func nextHop(cur [2]int64, adj map[[2]int64][]link, used []bool) ([2]int64, bool) {
	for _, l := range adj[cur] {
		if !used[l.segIdx] {
			used[l.segIdx] = true
			return l.other, true
		}
	}
	return [2]int64{}, false
}
