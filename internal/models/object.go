package models

import "time"

// ObjectDescription identifies one synthesis run's input.
type ObjectDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PartSpec is one physical sub-component produced by the Disassembler.
type PartSpec struct {
	PartName   string `json:"part_name"`
	PartPrompt string `json:"part_prompt"`
}

// ProgramKind distinguishes a single part builder from a full assembly.
type ProgramKind string

const (
	PartProgram ProgramKind = "part"
	FullProgram ProgramKind = "full"
)

// GeneratedProgram is source text produced by the Code Writer, the Assembler
// or the Parameter Manipulator.
type GeneratedProgram struct {
	Name   string      `json:"name"`
	Kind   ProgramKind `json:"kind"`
	Source string      `json:"source"`
}

// RunManifest is the object.json written at the root of every run directory.
type RunManifest struct {
	RunID       string            `json:"run_id"`
	Object      ObjectDescription `json:"object"`
	ParentRunID string            `json:"parent_run_id,omitempty"`
	EditPrompt  string            `json:"edit_prompt,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
