package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

const (
	manifestFile    = "object.json"
	disassemblyFile = "disassembler.txt"
	partsFile       = "parts.json"
	partsDir        = "parts"
	editPromptFile  = "edit_prompt.txt"
	meshesDir       = "meshes"
	programExt      = ".go"

	maxRunSuffix = 1000
)

// ArtifactStore keeps every intermediate and final artifact of a run in a
// directory named after the run identifier.
type ArtifactStore struct {
	root string
}

// NewArtifactStore opens (creating if needed) the artifact root.
func NewArtifactStore(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &ArtifactStore{root: root}, nil
}

// Root returns the artifact root directory.
func (s *ArtifactStore) Root() string {
	return s.root
}

// ErrInvalidRunID is returned for identifiers that could escape the artifact root.
var ErrInvalidRunID = errors.New("invalid run id")

// ValidateRunID rejects identifiers that could escape the artifact root.
func ValidateRunID(runID string) error {
	if runID == "" || runID == "." || strings.Contains(runID, "..") ||
		strings.ContainsAny(runID, `/\`) || filepath.Base(runID) != runID {
		return fmt.Errorf("%w %q", ErrInvalidRunID, runID)
	}
	return nil
}

// CreateRun creates the directory for a new run. The directory is created
// exclusively; if base is taken a numeric suffix is appended so an existing
// run is never overwritten. It returns the identifier actually used.
func (s *ArtifactStore) CreateRun(base string) (string, error) {
	if err := ValidateRunID(base); err != nil {
		return "", err
	}
	for n := 1; n <= maxRunSuffix; n++ {
		runID := base
		if n > 1 {
			runID = fmt.Sprintf("%s_%d", base, n)
		}
		err := os.Mkdir(s.dir(runID), 0o755)
		if err == nil {
			return runID, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create run directory: %w", err)
		}
	}
	return "", fmt.Errorf("failed to create run directory: %s has %d existing runs", base, maxRunSuffix)
}

// Exists reports whether a run directory exists.
func (s *ArtifactStore) Exists(runID string) bool {
	if ValidateRunID(runID) != nil {
		return false
	}
	info, err := os.Stat(s.dir(runID))
	return err == nil && info.IsDir()
}

func (s *ArtifactStore) WriteManifest(m models.RunManifest) error {
	return s.writeJSON(m.RunID, manifestFile, m)
}

func (s *ArtifactStore) LoadManifest(runID string) (*models.RunManifest, error) {
	var m models.RunManifest
	if err := s.readJSON(runID, manifestFile, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *ArtifactStore) WriteDisassembly(runID, text string) error {
	return s.writeFile(runID, disassemblyFile, text)
}

func (s *ArtifactStore) WriteParts(runID string, parts []models.PartSpec) error {
	return s.writeJSON(runID, partsFile, parts)
}

func (s *ArtifactStore) LoadParts(runID string) ([]models.PartSpec, error) {
	var parts []models.PartSpec
	if err := s.readJSON(runID, partsFile, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// WritePartProgram stores a part program as parts/<stem>.go.
func (s *ArtifactStore) WritePartProgram(runID, stem, source string) error {
	if err := ValidateRunID(stem); err != nil {
		return fmt.Errorf("invalid part file name: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir(runID), partsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create parts directory: %w", err)
	}
	return s.writeFile(runID, filepath.Join(partsDir, stem+programExt), source)
}

// PartPrograms returns the stored part programs in the order of the run's
// part specs. Programs without a matching spec follow, ordered by file name.
func (s *ArtifactStore) PartPrograms(runID string) ([]models.GeneratedProgram, error) {
	if err := s.checkRun(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir(runID), partsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list part programs: %w", err)
	}

	var programs []models.GeneratedProgram
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != programExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir(runID), partsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read part program: %w", err)
		}
		programs = append(programs, models.GeneratedProgram{
			Name:   strings.TrimSuffix(e.Name(), programExt),
			Kind:   models.PartProgram,
			Source: string(data),
		})
	}
	order, err := s.partOrder(runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(programs, func(i, j int) bool {
		oi, iok := order[programs[i].Name]
		oj, jok := order[programs[j].Name]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return programs[i].Name < programs[j].Name
	})
	return programs, nil
}

// partOrder maps part file stems to their index in parts.json. A run
// without part specs has no order.
func (s *ArtifactStore) partOrder(runID string) (map[string]int, error) {
	parts, err := s.LoadParts(runID)
	if errors.Is(err, models.ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order := make(map[string]int, len(parts))
	for i, stem := range uniqueFileNames(parts) {
		order[stem] = i
	}
	return order, nil
}

// WriteFullProgram stores the run's full program as <runID>.go.
func (s *ArtifactStore) WriteFullProgram(runID, source string) error {
	return s.writeFile(runID, runID+programExt, source)
}

// LoadFullProgram returns the run's full program source.
func (s *ArtifactStore) LoadFullProgram(runID string) (string, error) {
	if err := s.checkRun(runID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(runID), runID+programExt))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("run %s has no full program: %w", runID, models.ErrRunNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read full program: %w", err)
	}
	return string(data), nil
}

func (s *ArtifactStore) WriteEditPrompt(runID, prompt string) error {
	return s.writeFile(runID, editPromptFile, prompt)
}

// MeshPath returns where a session's mesh for runID is exported.
func (s *ArtifactStore) MeshPath(runID, sessionID string) (string, error) {
	if err := ValidateRunID(runID); err != nil {
		return "", err
	}
	if err := ValidateRunID(sessionID); err != nil {
		return "", fmt.Errorf("invalid session id: %w", err)
	}
	return filepath.Join(s.dir(runID), meshesDir, sessionID+".obj"), nil
}

func (s *ArtifactStore) dir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *ArtifactStore) checkRun(runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return fmt.Errorf("%v: %w", err, models.ErrRunNotFound)
	}
	if !s.Exists(runID) {
		return fmt.Errorf("run %s: %w", runID, models.ErrRunNotFound)
	}
	return nil
}

func (s *ArtifactStore) writeFile(runID, name, content string) error {
	if err := s.checkRun(runID); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir(runID), name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *ArtifactStore) writeJSON(runID, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return s.writeFile(runID, name, string(data))
}

func (s *ArtifactStore) readJSON(runID, name string, v interface{}) error {
	if err := s.checkRun(runID); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(runID), name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("run %s has no %s: %w", runID, name, models.ErrRunNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
