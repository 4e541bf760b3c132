package orchestration

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

const (
	runIDTimeLayout = "2006_01_02_15_04_05"
	maxNameLen      = 64
	maxRunIDLen     = 200
)

// SanitizeName turns free text into a file-system safe identifier: runs of
// whitespace become a single underscore and anything outside [A-Za-z0-9_-]
// is dropped. Case is preserved.
func SanitizeName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsSpace(r):
			pendingSep = true
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RunID derives the run identifier for an object name at time t.
func RunID(objectName string, t time.Time) string {
	name := limit(SanitizeName(objectName), maxNameLen)
	if name == "" {
		name = "object"
	}
	return name + "_" + t.Format(runIDTimeLayout)
}

// EditRunID derives the identifier of a Parameter Manipulator run from the
// change request and the run it edits.
func EditRunID(prompt, parentRunID string) string {
	name := limit(SanitizeName(prompt), maxNameLen)
	if name == "" {
		name = "edit"
	}
	return limit(name+"_"+parentRunID, maxRunIDLen)
}

// SplitParts splits Disassembler output into part specs on blank lines.
// Whitespace-only chunks are dropped; text without a blank line is a single
// part.
func SplitParts(description string) []models.PartSpec {
	normalized := strings.ReplaceAll(description, "\r\n", "\n")
	var parts []models.PartSpec
	for _, chunk := range strings.Split(normalized, "\n\n") {
		prompt := strings.TrimSpace(chunk)
		if prompt == "" {
			continue
		}
		parts = append(parts, models.PartSpec{
			PartName:   PartName(prompt),
			PartPrompt: prompt,
		})
	}
	return parts
}

// PartName is the text before the first colon of a part prompt.
func PartName(prompt string) string {
	name := prompt
	if i := strings.IndexByte(prompt, ':'); i >= 0 {
		name = prompt[:i]
	}
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(name), "*#-"))
}

// uniqueFileNames maps part names to distinct file stems.
func uniqueFileNames(parts []models.PartSpec) []string {
	seen := make(map[string]int, len(parts))
	names := make([]string, len(parts))
	for i, p := range parts {
		stem := limit(SanitizeName(p.PartName), maxNameLen)
		if stem == "" {
			stem = fmt.Sprintf("part_%d", i+1)
		}
		seen[stem]++
		if n := seen[stem]; n > 1 {
			stem = fmt.Sprintf("%s_%d", stem, n)
		}
		names[i] = stem
	}
	return names
}

// CodeWriterPrompt is the Code Writer input for one part.
func CodeWriterPrompt(objectName string, part models.PartSpec) string {
	return objectName + "\n\n" + part.PartPrompt
}

// AssemblerPrompt lists every part program, numbered from 1, under the
// object name.
func AssemblerPrompt(objectName string, programs []models.GeneratedProgram) string {
	var b strings.Builder
	b.WriteString("Object: ")
	b.WriteString(objectName)
	for i, p := range programs {
		fmt.Fprintf(&b, "\n\npart %d\n%s", i+1, p.Source)
	}
	return b.String()
}

// ManipulatorPrompt is the Parameter Manipulator input.
func ManipulatorPrompt(request, program string) string {
	return request + "\n\nprogram to change:\n" + program
}

// StripCodeFence removes one Markdown code fence enclosing the whole text.
func StripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	body := strings.TrimSuffix(trimmed, "```")
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return s
	}
	return strings.TrimSpace(body[nl+1:]) + "\n"
}

func limit(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "_-")
}
