// Package testutil holds fixture programs and canned agent output shared by
// package tests.
package testutil

// PlateProgram is a full program for a two-part plate: a lofted body and a
// rim tube on top of it.
const PlateProgram = `package main

import (
	"cad/kernel"
	"cad/slider"
)

func build(radius, height, rimHeight, rimThickness float64) []kernel.Shape {
	body, err := kernel.Loft("body", kernel.Point{},
		kernel.Section{Z: 0, Radius: radius * 0.8},
		kernel.Section{Z: height, Radius: radius},
	)
	if err != nil {
		panic(err)
	}
	rim, err := kernel.Tube("rim", kernel.Point{Z: height}, radius-rimThickness, radius, rimHeight)
	if err != nil {
		panic(err)
	}
	return []kernel.Shape{body, rim}
}

var bodyRadius = slider.Get("body_radius", 100)
var bodyHeight = slider.Get("body_height", 10)
var rimHeight = slider.Get("rim_height", 2)
var rimThickness = slider.Get("rim_thickness", 2)

var Shapes = build(bodyRadius, bodyHeight, rimHeight, rimThickness)

var Params = map[string][3]float64{
	"body_radius":   {10, 300, bodyRadius},
	"body_height":   {10, 100, bodyHeight},
	"rim_height":    {1, 20, rimHeight},
	"rim_thickness": {1, 20, rimThickness},
}
`

// PlateSchema is the wire schema PlateProgram declares with no sliders set.
var PlateSchema = map[string][3]float64{
	"body_radius":   {10, 300, 100},
	"body_height":   {10, 100, 10},
	"rim_height":    {1, 20, 2},
	"rim_thickness": {1, 20, 2},
}

// PanicProgram fails while building its geometry.
const PanicProgram = `package main

import "cad/kernel"

func build() []kernel.Shape {
	panic("rim thickness exceeds body radius")
}

var Shapes = build()
`

// LoopProgram never finishes building its geometry.
const LoopProgram = `package main

import "cad/kernel"

func build() []kernel.Shape {
	for {
	}
}

var Shapes = build()
`

// MemoryHogProgram keeps 640MiB of buffers alive while it builds.
const MemoryHogProgram = `package main

import "cad/kernel"

var hold [][]byte

func build() []kernel.Shape {
	for i := 0; i < 40; i++ {
		buf := make([]byte, 16<<20)
		buf[len(buf)-1] = 1
		hold = append(hold, buf)
	}
	return nil
}

var Shapes = build()
`

// NoShapesProgram runs cleanly but never binds Shapes.
const NoShapesProgram = `package main

import "cad/slider"

var Params = map[string][3]float64{
	"width": {1, 10, slider.Get("width", 5)},
}
`

// ForbiddenImportProgram reaches for the filesystem.
const ForbiddenImportProgram = `package main

import (
	"os"

	"cad/kernel"
)

var _ = os.Getenv("HOME")

var Shapes = []kernel.Shape{}
`

// DrillProgram declares a "hole_count" slider the plate does not have; it is
// used to simulate a program whose key set changed under a session.
const DrillProgram = `package main

import (
	"cad/kernel"
	"cad/slider"
)

func build(width float64) []kernel.Shape {
	b, err := kernel.Box("block", kernel.Point{}, width, width, 10)
	if err != nil {
		panic(err)
	}
	return []kernel.Shape{b}
}

var width = slider.Get("width", 20)

var Shapes = build(width)

var Params = map[string][3]float64{
	"width":      {5, 50, width},
	"hole_count": {0, 8, slider.Get("hole_count", 4)},
}
`

// PlateDisassembly is canned Disassembler output for a plate.
const PlateDisassembly = "Body: a shallow round dish, wider at the top, about 200 mm across and 10 mm deep.\n\n" +
	"Rim: a thin ring sitting on top of the body edge, 2 mm tall and 2 mm thick."

// PlateBodyPart and PlateRimPart are canned Code Writer output.
const (
	PlateBodyPart = "func body(radius, height float64) (kernel.Shape, error) {\n" +
		"\treturn kernel.Loft(\"body\", kernel.Point{}, kernel.Section{Z: 0, Radius: radius * 0.8}, kernel.Section{Z: height, Radius: radius})\n}\n"
	PlateRimPart = "func rim(radius, z, height, thickness float64) (kernel.Shape, error) {\n" +
		"\treturn kernel.Tube(\"rim\", kernel.Point{Z: z}, radius-thickness, radius, height)\n}\n"
)
