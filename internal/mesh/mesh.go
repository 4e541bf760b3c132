// Package mesh converts kernel shapes into a triangle mesh and writes it as
// Wavefront OBJ.
package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/kernel"
)

// Mesh is a flat vertex list with triangle faces (0-based indices).
type Mesh struct {
	Vertices  [][3]float64
	Triangles [][3]int
}

// Triangulate splits polygonal faces into triangles.
//
// Triangles pass through. A quad [A,B,C,D] becomes exactly [A,B,C] and
// [C,D,A]. Larger polygons fan out from their first vertex.
func Triangulate(faces [][]int) ([][3]int, error) {
	tris := make([][3]int, 0, len(faces)*2)
	for i, f := range faces {
		switch n := len(f); {
		case n < 3:
			return nil, fmt.Errorf("face %d has %d vertices, need at least 3", i, n)
		case n == 3:
			tris = append(tris, [3]int{f[0], f[1], f[2]})
		case n == 4:
			tris = append(tris,
				[3]int{f[0], f[1], f[2]},
				[3]int{f[2], f[3], f[0]},
			)
		default:
			for k := 1; k < n-1; k++ {
				tris = append(tris, [3]int{f[0], f[k], f[k+1]})
			}
		}
	}
	return tris, nil
}

// Combine merges shapes into a single mesh, offsetting each shape's face
// indices by the vertices that precede it.
func Combine(shapes []kernel.Shape) (*Mesh, error) {
	m := &Mesh{}
	for _, s := range shapes {
		offset := len(m.Vertices)
		tris, err := Triangulate(s.Faces)
		if err != nil {
			return nil, fmt.Errorf("failed to triangulate shape %q: %w", s.Name, err)
		}
		for _, t := range tris {
			for _, idx := range t {
				if idx < 0 || idx >= len(s.Vertices) {
					return nil, fmt.Errorf("shape %q references vertex %d of %d", s.Name, idx, len(s.Vertices))
				}
			}
			m.Triangles = append(m.Triangles, [3]int{t[0] + offset, t[1] + offset, t[2] + offset})
		}
		m.Vertices = append(m.Vertices, s.Vertices...)
	}
	return m, nil
}

// WriteOBJ writes m in Wavefront OBJ form with 1-based face indices.
func WriteOBJ(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "v %s %s %s\n", formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2]))
	}
	for _, t := range m.Triangles {
		fmt.Fprintf(bw, "f %d %d %d\n", t[0]+1, t[1]+1, t[2]+1)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write mesh: %w", err)
	}
	return nil
}

// ExportOBJ combines shapes and writes them to path. The file is written to
// a temporary sibling and renamed into place so readers never observe a
// partial mesh.
func ExportOBJ(path string, shapes []kernel.Shape) error {
	m, err := Combine(shapes)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mesh directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mesh-*.obj")
	if err != nil {
		return fmt.Errorf("failed to create temp mesh file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteOBJ(tmp, m); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp mesh file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move mesh into place: %w", err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
