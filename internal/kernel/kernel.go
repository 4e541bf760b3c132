// Package kernel is the geometry boundary exposed to generated programs.
//
// Part-building procedures take named dimensions and return an opaque Shape
// or an error. Shapes are tessellated polyhedral surfaces so they can cross
// the harness process boundary as JSON; everything above this package treats
// them as inert handles and only the mesh exporter looks inside.
package kernel

import (
	"fmt"
	"math"
)

// Segments is the number of facets used to approximate a full circle.
const Segments = 48

// Point is a location in model space (millimetres).
type Point struct {
	X, Y, Z float64
}

// Section is a circular cross-section at height Z above a loft origin.
type Section struct {
	Z      float64
	Radius float64
}

// Shape is a geometry handle produced by a part-building procedure.
type Shape struct {
	Name     string       `json:"name"`
	Vertices [][3]float64 `json:"vertices"`
	Faces    [][]int      `json:"faces"`
}

// Disc builds a flat circular face centred on origin, normal to +Z.
func Disc(name string, origin Point, radius float64) (Shape, error) {
	if radius <= 0 {
		return Shape{}, fmt.Errorf("disc %q: radius must be positive, got %g", name, radius)
	}
	s := Shape{Name: name}
	s.Vertices = ring(origin, 0, radius)
	face := make([]int, Segments)
	for k := range face {
		face[k] = k
	}
	s.Faces = [][]int{face}
	return s, nil
}

// Loft builds an open surface of revolution through the given sections,
// which are stacked along +Z from origin. Side facets are quads.
func Loft(name string, origin Point, sections ...Section) (Shape, error) {
	if len(sections) < 2 {
		return Shape{}, fmt.Errorf("loft %q: need at least 2 sections, got %d", name, len(sections))
	}
	for i, sec := range sections {
		if sec.Radius <= 0 {
			return Shape{}, fmt.Errorf("loft %q: section %d radius must be positive, got %g", name, i, sec.Radius)
		}
	}

	s := Shape{Name: name}
	for _, sec := range sections {
		s.Vertices = append(s.Vertices, ring(origin, sec.Z, sec.Radius)...)
	}
	for i := 0; i < len(sections)-1; i++ {
		s.Faces = append(s.Faces, band(i*Segments, (i+1)*Segments)...)
	}
	return s, nil
}

// Tube builds a closed hollow cylinder: outer and inner walls joined by
// annular caps at the bottom and the top.
func Tube(name string, origin Point, innerRadius, outerRadius, height float64) (Shape, error) {
	switch {
	case innerRadius <= 0:
		return Shape{}, fmt.Errorf("tube %q: inner radius must be positive, got %g", name, innerRadius)
	case outerRadius <= innerRadius:
		return Shape{}, fmt.Errorf("tube %q: outer radius %g must exceed inner radius %g", name, outerRadius, innerRadius)
	case height <= 0:
		return Shape{}, fmt.Errorf("tube %q: height must be positive, got %g", name, height)
	}

	const (
		outerBottom = 0 * Segments
		outerTop    = 1 * Segments
		innerBottom = 2 * Segments
		innerTop    = 3 * Segments
	)
	s := Shape{Name: name}
	s.Vertices = append(s.Vertices, ring(origin, 0, outerRadius)...)
	s.Vertices = append(s.Vertices, ring(origin, height, outerRadius)...)
	s.Vertices = append(s.Vertices, ring(origin, 0, innerRadius)...)
	s.Vertices = append(s.Vertices, ring(origin, height, innerRadius)...)

	s.Faces = append(s.Faces, band(outerBottom, outerTop)...)
	s.Faces = append(s.Faces, band(innerTop, innerBottom)...)
	s.Faces = append(s.Faces, band(outerTop, innerTop)...)
	s.Faces = append(s.Faces, band(innerBottom, outerBottom)...)
	return s, nil
}

// Box builds an axis-aligned box whose bottom face is centred on origin.
func Box(name string, origin Point, width, depth, height float64) (Shape, error) {
	if width <= 0 || depth <= 0 || height <= 0 {
		return Shape{}, fmt.Errorf("box %q: dimensions must be positive, got %gx%gx%g", name, width, depth, height)
	}
	w, d := width/2, depth/2
	s := Shape{Name: name}
	for _, z := range []float64{0, height} {
		s.Vertices = append(s.Vertices,
			[3]float64{origin.X - w, origin.Y - d, origin.Z + z},
			[3]float64{origin.X + w, origin.Y - d, origin.Z + z},
			[3]float64{origin.X + w, origin.Y + d, origin.Z + z},
			[3]float64{origin.X - w, origin.Y + d, origin.Z + z},
		)
	}
	s.Faces = [][]int{
		{0, 3, 2, 1}, // bottom
		{4, 5, 6, 7}, // top
		{0, 1, 5, 4},
		{1, 2, 6, 5},
		{2, 3, 7, 6},
		{3, 0, 4, 7},
	}
	return s, nil
}

// Translate returns a copy of s moved by (dx, dy, dz).
func (s Shape) Translate(dx, dy, dz float64) Shape {
	out := Shape{Name: s.Name, Faces: s.Faces}
	out.Vertices = make([][3]float64, len(s.Vertices))
	for i, v := range s.Vertices {
		out.Vertices[i] = [3]float64{v[0] + dx, v[1] + dy, v[2] + dz}
	}
	return out
}

func ring(origin Point, z, radius float64) [][3]float64 {
	vs := make([][3]float64, Segments)
	for k := range vs {
		angle := 2 * math.Pi * float64(k) / Segments
		vs[k] = [3]float64{
			origin.X + radius*math.Cos(angle),
			origin.Y + radius*math.Sin(angle),
			origin.Z + z,
		}
	}
	return vs
}

// band joins two rings starting at vertex offsets a and b with quads.
func band(a, b int) [][]int {
	faces := make([][]int, Segments)
	for k := range faces {
		next := (k + 1) % Segments
		faces[k] = []int{a + k, a + next, b + next, b + k}
	}
	return faces
}
