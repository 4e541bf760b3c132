// Package agents wraps a chat-completion service as the four fixed-role
// agents of the synthesis pipeline.
package agents

import (
	"fmt"
)

// Role identifies a pipeline agent.
type Role string

const (
	RoleDisassembler         Role = "disassembler"
	RoleCodeWriter           Role = "code_writer"
	RoleAssembler            Role = "assembler"
	RoleParameterManipulator Role = "parameter_manipulator"
)

// Roles lists every pipeline role in pipeline order.
var Roles = []Role{RoleDisassembler, RoleCodeWriter, RoleAssembler, RoleParameterManipulator}

// Exchange is a worked user/assistant example sent ahead of the real input.
type Exchange struct {
	User      string `yaml:"user" json:"user"`
	Assistant string `yaml:"assistant" json:"assistant"`
}

// RoleConfig is the fixed completion configuration for one role.
type RoleConfig struct {
	Model            string     `yaml:"model"`
	SystemMessage    string     `yaml:"system_message"`
	Temperature      float64    `yaml:"temperature"`
	MaxTokens        int        `yaml:"max_tokens"`
	TopP             float64    `yaml:"top_p"`
	FrequencyPenalty float64    `yaml:"frequency_penalty"`
	PresencePenalty  float64    `yaml:"presence_penalty"`
	Examples         []Exchange `yaml:"examples"`
}

// Validate checks the parts of a config the completion service would reject.
func (c RoleConfig) Validate() error {
	switch {
	case c.Model == "":
		return fmt.Errorf("model is required")
	case c.MaxTokens <= 0:
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	case c.Temperature < 0 || c.Temperature > 2:
		return fmt.Errorf("temperature must be within [0, 2], got %g", c.Temperature)
	case c.TopP < 0 || c.TopP > 1:
		return fmt.Errorf("top_p must be within [0, 1], got %g", c.TopP)
	}
	return nil
}

const defaultModel = "gpt-4o"

const programContract = `Programs are Go source in package main. They may import only "math", "fmt", "strings", "strconv", "sort", "errors", "cad/kernel" and "cad/slider".
Geometry comes from cad/kernel: Disc(name, origin, radius), Loft(name, origin, sections...), Tube(name, origin, innerRadius, outerRadius, height) and Box(name, origin, width, depth, height), all returning (kernel.Shape, error). kernel.Point{X, Y, Z} is an origin and kernel.Section{Z, Radius} a loft cross-section.
Read every tunable dimension with slider.Get("snake_case_key", default).`

// DefaultRoleConfigs returns the built-in configuration for every role.
func DefaultRoleConfigs() map[Role]RoleConfig {
	return map[Role]RoleConfig{
		RoleDisassembler: {
			Model: defaultModel,
			SystemMessage: "You break a physical object into its separately manufacturable parts. " +
				"Describe each part in one paragraph that starts with the part name followed by a colon, " +
				"and separate paragraphs with a single blank line. Give concrete dimensions in millimetres.",
			Temperature: 1.85,
			MaxTokens:   2048,
			TopP:        0.3,
		},
		RoleCodeWriter: {
			Model: defaultModel,
			SystemMessage: "You write one Go function that builds a single part of an object and returns (kernel.Shape, error). " +
				"Take every dimension as a float64 parameter. Output only code.\n\n" + programContract,
			Temperature: 0.2,
			MaxTokens:   2048,
			TopP:        1,
		},
		RoleAssembler: {
			Model: defaultModel,
			SystemMessage: "You combine part functions into one complete program. " +
				"Declare functions first, then one package-level variable per slider, then " +
				"`var Shapes = build(...)` holding every part as []kernel.Shape and " +
				"`var Params = map[string][3]float64{key: {min, max, value}}` listing every slider. Output only code.\n\n" +
				programContract,
			Temperature: 0.2,
			MaxTokens:   4096,
			TopP:        1,
		},
		RoleParameterManipulator: {
			Model: defaultModel,
			SystemMessage: "You change an existing program according to a request. Keep its structure, " +
				"its Shapes and Params bindings and every existing slider key. Output the complete program only.\n\n" +
				programContract,
			Temperature: 0.2,
			MaxTokens:   4096,
			TopP:        1,
		},
	}
}
