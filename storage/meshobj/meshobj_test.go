package meshobj

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/visor-platform/visor/visor"
)

// cubeOBJ is a 10-unit cube with triangulated faces.
const cubeOBJ = `# unit test cube
v 0 0 0
v 10 0 0
v 10 10 0
v 0 10 0
v 0 0 10
v 10 0 10
v 10 10 10
v 0 10 10
f 1 2 3
f 1 3 4
f 5 7 6
f 5 8 7
f 1 2 6
f 1 6 5
f 2 3 7
f 2 7 6
f 3 4 8
f 3 8 7
f 4 1 5
f 4 5 8
`

func writeMeshDir(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cube.obj"), []byte(cubeOBJ), 0644); err != nil {
		t.Fatal(err)
	}
	return NewStore(dir)
}

func TestReadMeshVerbatim(t *testing.T) {
	s := writeMeshDir(t)
	ctx := context.Background()

	data, err := s.ReadMesh(ctx, "cube.obj")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte(cubeOBJ)) {
		t.Errorf("mesh bytes not returned verbatim")
	}

	if _, err := s.ReadMesh(ctx, "missing.obj"); !errors.Is(err, visor.ErrNotFound) {
		t.Errorf("missing mesh: got %v", err)
	}
	if _, err := s.ReadMesh(ctx, "../escape.obj"); !errors.Is(err, visor.ErrMalformedIdentifier) {
		t.Errorf("path traversal: got %v", err)
	}
	if _, err := s.ReadMesh(ctx, "/abs/path.obj"); !errors.Is(err, visor.ErrMalformedIdentifier) {
		t.Errorf("absolute path: got %v", err)
	}
}

// polygonArea computes the shoelace area of a closed polygon.
func polygonArea(poly [][2]float32) float64 {
	var area float64
	n := len(poly)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		area += float64(poly[i][0])*float64(poly[j][1]) - float64(poly[j][0])*float64(poly[i][1])
	}
	return math.Abs(area / 2)
}

func TestCrossSection(t *testing.T) {
	s := writeMeshDir(t)
	ctx := context.Background()

	polys, err := s.CrossSection(ctx, "cube.obj", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(polys) != 1 {
		t.Fatalf("cube section should be one closed polygon, got %d", len(polys))
	}
	poly := polys[0]
	if len(poly) < 4 {
		t.Fatalf("cube section polygon has only %d vertices", len(poly))
	}
	for _, pt := range poly {
		if pt[0] < 0 || pt[0] > 10 || pt[1] < 0 || pt[1] > 10 {
			t.Errorf("section point %v outside cube footprint", pt)
		}
	}
	// The section of a 10-unit cube is the full 10x10 square.
	if area := polygonArea(poly); math.Abs(area-100) > 0.1 {
		t.Errorf("section area %.2f, want 100", area)
	}
}

// centeredCubeOBJ is the same cube shifted to span -5..5 on every axis.
const centeredCubeOBJ = `v -5 -5 -5
v 5 -5 -5
v 5 5 -5
v -5 5 -5
v -5 -5 5
v 5 -5 5
v 5 5 5
v -5 5 5
f 1 2 3
f 1 3 4
f 5 7 6
f 5 8 7
f 1 2 6
f 1 6 5
f 2 3 7
f 2 7 6
f 3 4 8
f 3 8 7
f 4 1 5
f 4 5 8
`

func TestCrossSectionNegativeCoordinates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "centered.obj"), []byte(centeredCubeOBJ), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir)

	// Endpoints straddling zero must still stitch into one closed loop.
	polys, err := s.CrossSection(context.Background(), "centered.obj", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(polys) != 1 {
		t.Fatalf("centered cube section should be one closed polygon, got %d", len(polys))
	}
	if area := polygonArea(polys[0]); math.Abs(area-100) > 0.1 {
		t.Errorf("section area %.2f, want 100", area)
	}
}

func TestPointKeyRoundsSymmetrically(t *testing.T) {
	pos := pointKey([2]float32{0.3, 1.7})
	neg := pointKey([2]float32{-0.3, -1.7})
	if pos[0] != -neg[0] || pos[1] != -neg[1] {
		t.Errorf("quantization not symmetric about zero: %v vs %v", pos, neg)
	}
	// Nearly-coincident endpoints on either side of zero share a bucket.
	if pointKey([2]float32{-1.0, 0}) != pointKey([2]float32{-1.00001, 0}) {
		t.Errorf("nearby negative points quantize to different keys")
	}
}

func TestCrossSectionDeterminism(t *testing.T) {
	s := writeMeshDir(t)
	ctx := context.Background()

	first, err := s.CrossSection(ctx, "cube.obj", 3.5)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CrossSection(ctx, "cube.obj", 3.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("polygon counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatalf("polygon %d sizes differ", i)
		}
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Errorf("polygon %d vertex %d differs: %v vs %v", i, j, first[i][j], second[i][j])
			}
		}
	}
}

func TestCrossSectionMisses(t *testing.T) {
	s := writeMeshDir(t)
	if _, err := s.CrossSection(context.Background(), "cube.obj", 50); !errors.Is(err, visor.ErrNotFound) {
		t.Errorf("non-intersecting plane: got %v", err)
	}
}

func TestParseOBJRejectsGarbage(t *testing.T) {
	if _, err := parseOBJ([]byte("v 1 2\nf 1 2 3\n")); err == nil {
		t.Errorf("short vertex line should fail")
	}
	if _, err := parseOBJ([]byte("v 1 2 3\nf 1 2 9\n")); err == nil {
		t.Errorf("out-of-range face index should fail")
	}
	if _, err := parseOBJ([]byte("v 1 2 3\n")); err == nil {
		t.Errorf("faceless mesh should fail")
	}
}
