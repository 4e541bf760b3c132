// Package harness evaluates a stored full program with a set of slider values
// and returns the geometry it builds together with its declared parameter
// schema.
//
// Programs are Go source interpreted by yaegi. A program imports "cad/kernel"
// for part-building procedures and "cad/slider" for the injected values, and
// binds its results to two package-level variables:
//
//	var Shapes = build()                 // required, []kernel.Shape
//	var Params = map[string][3]float64{} // optional, key -> [min, max, value]
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/kernel"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// Result bindings a program declares.
const (
	ShapesBinding = "Shapes"
	ParamsBinding = "Params"
)

// Request is one evaluation of a program.
type Request struct {
	Source  string             `json:"source"`
	Sliders models.SliderState `json:"sliders"`
}

// Result is what a successful evaluation produced.
type Result struct {
	Shapes     []kernel.Shape `json:"shapes"`
	Schema     models.Schema  `json:"params"`
	OutOfRange []string       `json:"out_of_range,omitempty"`
	Output     string         `json:"output,omitempty"`
}

// Runner evaluates programs, either in-process or behind a process boundary.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// program is the statically checked shape of a source file.
type program struct {
	pkg       string
	hasShapes bool
	hasParams bool
}

// Evaluate runs req.Source in a fresh interpreter.
//
// Compile and runtime failures are returned as *models.ExecutionError, a
// missing or malformed result binding as *models.SchemaError. Slider values
// outside their declared bounds are passed through and listed in
// Result.OutOfRange.
func Evaluate(ctx context.Context, req Request) (*Result, error) {
	prog, err := inspect(req.Source)
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer
	i := interp.New(interp.Options{Stdout: &output, Stderr: &output})
	for _, exports := range []interp.Exports{stdlibSymbols(), kernelSymbols(), sliderSymbols(req.Sliders)} {
		if err := i.Use(exports); err != nil {
			return nil, fmt.Errorf("failed to load interpreter symbols: %w", err)
		}
	}

	if err := run(ctx, i, req.Source); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &models.ExecutionError{
				Reason: fmt.Sprintf("program did not finish: %v", ctxErr),
				Trace:  output.String(),
			}
		}
		return nil, &models.ExecutionError{
			Reason: firstLine(err.Error()),
			Trace:  trace(err, output.String()),
		}
	}

	if !prog.hasShapes {
		return nil, &models.SchemaError{Reason: "program does not declare " + ShapesBinding}
	}
	shapesVal, err := i.Eval(prog.pkg + "." + ShapesBinding)
	if err != nil {
		return nil, &models.SchemaError{Reason: fmt.Sprintf("failed to read %s: %v", ShapesBinding, err)}
	}
	shapes, err := collectShapes(shapesVal)
	if err != nil {
		return nil, &models.SchemaError{Reason: err.Error()}
	}

	schema := models.Schema{}
	if prog.hasParams {
		paramsVal, err := i.Eval(prog.pkg + "." + ParamsBinding)
		if err != nil {
			return nil, &models.SchemaError{Reason: fmt.Sprintf("failed to read %s: %v", ParamsBinding, err)}
		}
		if schema, err = collectParams(paramsVal); err != nil {
			return nil, &models.SchemaError{Reason: err.Error()}
		}
	}

	return &Result{
		Shapes:     shapes,
		Schema:     schema,
		OutOfRange: schema.OutOfRange(),
		Output:     output.String(),
	}, nil
}

// InProcessRunner evaluates programs inside the calling process. It offers
// no memory isolation and is meant for tests and trusted tooling.
type InProcessRunner struct {
	// Timeout bounds a single evaluation when positive.
	Timeout time.Duration
}

// Run implements Runner.
func (r InProcessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return Evaluate(ctx, req)
}

// run evaluates src and converts interpreter panics into errors.
func run(ctx context.Context, i *interp.Interpreter, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = i.EvalWithContext(ctx, src)
	return err
}

func inspect(src string) (*program, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "program.go", src, parser.AllErrors)
	if err != nil {
		return nil, &models.ExecutionError{Reason: "program does not parse", Trace: err.Error()}
	}
	if f.Name.Name != "main" {
		return nil, &models.ExecutionError{Reason: fmt.Sprintf("program must declare package main, got %q", f.Name.Name)}
	}

	allowed := allowedImports()
	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !allowed[path] {
			forbidden = append(forbidden, imp.Path.Value)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return nil, &models.ExecutionError{Reason: fmt.Sprintf("forbidden imports: %v", forbidden)}
	}

	prog := &program{pkg: f.Name.Name}
	for _, decl := range f.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.VAR {
			continue
		}
		for _, spec := range gen.Specs {
			for _, name := range spec.(*ast.ValueSpec).Names {
				switch name.Name {
				case ShapesBinding:
					prog.hasShapes = true
				case ParamsBinding:
					prog.hasParams = true
				}
			}
		}
	}
	return prog, nil
}

func collectShapes(v reflect.Value) ([]kernel.Shape, error) {
	v = unwrap(v)
	if !v.IsValid() {
		return nil, fmt.Errorf("%s is nil", ShapesBinding)
	}
	if v.CanInterface() {
		if shapes, ok := v.Interface().([]kernel.Shape); ok {
			return append([]kernel.Shape(nil), shapes...), nil
		}
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("%s is %s, want a list of kernel.Shape", ShapesBinding, v.Type())
	}

	shapes := make([]kernel.Shape, 0, v.Len())
	for idx := 0; idx < v.Len(); idx++ {
		e := unwrap(v.Index(idx))
		if !e.IsValid() || !e.CanInterface() {
			return nil, fmt.Errorf("%s[%d] is not a kernel.Shape", ShapesBinding, idx)
		}
		switch s := e.Interface().(type) {
		case kernel.Shape:
			shapes = append(shapes, s)
		case *kernel.Shape:
			if s == nil {
				return nil, fmt.Errorf("%s[%d] is nil", ShapesBinding, idx)
			}
			shapes = append(shapes, *s)
		default:
			return nil, fmt.Errorf("%s[%d] is %T, want kernel.Shape", ShapesBinding, idx, s)
		}
	}
	return shapes, nil
}

func collectParams(v reflect.Value) (models.Schema, error) {
	v = unwrap(v)
	if !v.IsValid() {
		return models.Schema{}, nil
	}
	if v.CanInterface() {
		if m, ok := v.Interface().(map[string][3]float64); ok {
			if err := checkFinite(m); err != nil {
				return nil, err
			}
			return models.NewSchema(m), nil
		}
	}
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%s is %s, want map[string][3]float64", ParamsBinding, v.Type())
	}

	wire := make(map[string][3]float64, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		tuple := unwrap(iter.Value())
		if (tuple.Kind() != reflect.Array && tuple.Kind() != reflect.Slice) || tuple.Len() != 3 {
			return nil, fmt.Errorf("%s[%q] must be [min, max, value]", ParamsBinding, key)
		}
		var out [3]float64
		for k := 0; k < 3; k++ {
			f, err := toFloat(unwrap(tuple.Index(k)))
			if err != nil {
				return nil, fmt.Errorf("%s[%q][%d]: %w", ParamsBinding, key, k, err)
			}
			out[k] = f
		}
		wire[key] = out
	}
	if err := checkFinite(wire); err != nil {
		return nil, err
	}
	return models.NewSchema(wire), nil
}

// checkFinite rejects NaN and infinite bounds or values, naming the first
// offending key in sorted order.
func checkFinite(wire map[string][3]float64) error {
	keys := make([]string, 0, len(wire))
	for k := range wire {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for idx, f := range wire[k] {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%s[%q][%d] is %v, want a finite number", ParamsBinding, k, idx, f)
			}
		}
	}
	return nil
}

func toFloat(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Invalid:
		return 0, errors.New("missing number")
	}
	return 0, fmt.Errorf("%s is not a number", v.Type())
}

func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr && v.Type().Elem().Kind() != reflect.Struct) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func trace(err error, output string) string {
	var buf bytes.Buffer
	buf.WriteString(err.Error())
	if output != "" {
		buf.WriteString("\noutput:\n")
		buf.WriteString(output)
	}
	return buf.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
