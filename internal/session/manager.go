// Package session implements the regeneration protocol: a session binds a
// run's full program to the slider values a user has set so far, and every
// modification re-runs the program with the merged values.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/harness"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/kernel"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/mesh"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// Session is the regeneration state of one run for one user.
type Session struct {
	ID            string             `json:"id"`
	RunID         string             `json:"run_id"`
	Keys          []string           `json:"keys"`
	Sliders       models.SliderState `json:"sliders"`
	Schema        models.Schema      `json:"params"`
	ProgramDigest string             `json:"program_digest"`
	MeshPath      string             `json:"mesh_path"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Keys = append([]string(nil), s.Keys...)
	c.Sliders = s.Sliders.Clone()
	c.Schema = append(models.Schema(nil), s.Schema...)
	return &c
}

// Generation is the outcome of a generate or modify call.
type Generation struct {
	Session    *Session
	Schema     models.Schema
	Shapes     []kernel.Shape
	MeshPath   string
	OutOfRange []string
}

// Programs resolves the full program of a run and where its meshes go.
type Programs interface {
	LoadFullProgram(runID string) (string, error)
	MeshPath(runID, sessionID string) (string, error)
}

// ExecutionObserver receives the latency and outcome of every harness run.
type ExecutionObserver func(ctx context.Context, d time.Duration, err error)

// Manager runs generate and modify against a session store.
type Manager struct {
	programs Programs
	runner   harness.Runner
	store    Store
	logger   *zap.Logger
	now      func() time.Time
	clamp    bool
	observe  ExecutionObserver

	locks sync.Map // session id -> *sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClampSliders clamps merged values into the last known [min, max]
// before running the program. Off by default: out-of-range values pass
// through and are reported.
func WithClampSliders(clamp bool) Option {
	return func(m *Manager) { m.clamp = clamp }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithExecutionObserver(fn ExecutionObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// NewManager creates a session manager.
func NewManager(programs Programs, runner harness.Runner, store Store, opts ...Option) *Manager {
	m := &Manager{
		programs: programs,
		runner:   runner,
		store:    store,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a stored session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// Generate runs the full program of runID with no injected sliders, exports
// the mesh and opens a session whose slider state is the declared defaults.
func (m *Manager) Generate(ctx context.Context, runID string) (*Generation, error) {
	program, err := m.programs.LoadFullProgram(runID)
	if err != nil {
		return nil, err
	}

	result, err := m.execute(ctx, runID, program, models.SliderState{})
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sess := &Session{
		ID:            uuid.NewString(),
		RunID:         runID,
		Keys:          result.Schema.Keys(),
		Sliders:       result.Schema.Defaults(),
		Schema:        result.Schema,
		ProgramDigest: Digest(program),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sess.MeshPath, err = m.export(runID, sess.ID, result.Shapes); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.logger.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.String("run_id", runID),
		zap.Int("params", len(sess.Keys)),
		zap.Int("shapes", len(result.Shapes)))
	return m.generation(sess, result), nil
}

// Modify parses updates, merges them over the session's last known values
// and regenerates. Keys absent from updates keep their last value.
//
// An unknown key yields models.ErrUnknownParameter and a non-numeric value
// models.ErrInvalidSliderValue; the session is unchanged in both cases. If
// the program's key set or source changed since the session was opened, the
// session is deleted and a *models.SchemaError returned.
func (m *Manager) Modify(ctx context.Context, sessionID string, updates map[string]string) (*Generation, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			// expired or deleted elsewhere
			m.locks.Delete(sessionID)
		}
		return nil, err
	}
	parsed, err := ParseSliders(updates, sess.Keys)
	if err != nil {
		return nil, err
	}

	merged := sess.Sliders.Merge(parsed)
	if m.clamp {
		merged = Clamp(merged, sess.Schema)
	}

	program, err := m.programs.LoadFullProgram(sess.RunID)
	if err != nil {
		return nil, err
	}
	if Digest(program) != sess.ProgramDigest {
		return nil, m.invalidate(ctx, sess, "full program changed since the session was opened")
	}

	result, err := m.execute(ctx, sess.RunID, program, merged)
	if err != nil {
		var schemaErr *models.SchemaError
		if errors.As(err, &schemaErr) {
			m.drop(ctx, sess)
		}
		return nil, err
	}
	if !models.EqualKeys(result.Schema.Keys(), sess.Keys) {
		return nil, m.invalidate(ctx, sess, fmt.Sprintf("parameter keys changed from %v to %v", sess.Keys, result.Schema.Keys()))
	}

	if sess.MeshPath, err = m.export(sess.RunID, sess.ID, result.Shapes); err != nil {
		return nil, err
	}
	sess.Sliders = merged
	sess.Schema = result.Schema
	sess.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.logger.Info("session regenerated",
		zap.String("session_id", sess.ID),
		zap.String("run_id", sess.RunID),
		zap.Strings("updated", sortedKeys(parsed)),
		zap.Strings("out_of_range", result.OutOfRange))
	return m.generation(sess, result), nil
}

// Close deletes a session.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	defer unlock()
	defer m.locks.Delete(sessionID)
	return m.store.Delete(ctx, sessionID)
}

func (m *Manager) execute(ctx context.Context, runID, program string, sliders models.SliderState) (*harness.Result, error) {
	start := time.Now()
	result, err := m.runner.Run(ctx, harness.Request{Source: program, Sliders: sliders})
	if m.observe != nil {
		m.observe(ctx, time.Since(start), err)
	}
	if err != nil {
		m.logger.Warn("program execution failed", zap.String("run_id", runID), zap.Error(err))
		return nil, models.WithRunID(err, runID)
	}
	return result, nil
}

func (m *Manager) export(runID, sessionID string, shapes []kernel.Shape) (string, error) {
	path, err := m.programs.MeshPath(runID, sessionID)
	if err != nil {
		return "", err
	}
	if err := mesh.ExportOBJ(path, shapes); err != nil {
		return "", fmt.Errorf("failed to export mesh: %w", err)
	}
	return path, nil
}

func (m *Manager) invalidate(ctx context.Context, sess *Session, reason string) error {
	m.drop(ctx, sess)
	return &models.SchemaError{RunID: sess.RunID, Reason: reason}
}

func (m *Manager) drop(ctx context.Context, sess *Session) {
	m.logger.Warn("session invalidated", zap.String("session_id", sess.ID), zap.String("run_id", sess.RunID))
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		m.logger.Error("failed to delete invalidated session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	m.locks.Delete(sess.ID)
}

func (m *Manager) lock(sessionID string) func() {
	v, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) generation(sess *Session, result *harness.Result) *Generation {
	return &Generation{
		Session:    sess.clone(),
		Schema:     result.Schema,
		Shapes:     result.Shapes,
		MeshPath:   sess.MeshPath,
		OutOfRange: result.OutOfRange,
	}
}

// ParseSliders converts raw slider updates to numbers. Every key must be
// one of known.
func ParseSliders(updates map[string]string, known []string) (models.SliderState, error) {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}

	parsed := make(models.SliderState, len(updates))
	for _, key := range sortedKeys(updates) {
		if !allowed[key] {
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownParameter, key)
		}
		raw := updates[key]
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s=%q", models.ErrInvalidSliderValue, key, raw)
		}
		parsed[key] = v
	}
	return parsed, nil
}

// SliderStrings normalizes decoded JSON slider values (strings or numbers)
// to the raw strings ParseSliders accepts.
func SliderStrings(raw map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'g', -1, 64)
		default:
			return nil, fmt.Errorf("%w: %s=%v", models.ErrInvalidSliderValue, k, v)
		}
	}
	return out, nil
}

// Clamp returns state with every value limited to its schema bounds.
func Clamp(state models.SliderState, schema models.Schema) models.SliderState {
	out := state.Clone()
	for _, p := range schema {
		if v, ok := out[p.Key]; ok {
			out[p.Key] = math.Min(math.Max(v, p.Min), p.Max)
		}
	}
	return out
}

// Digest fingerprints program source.
func Digest(program string) string {
	sum := blake2b.Sum256([]byte(program))
	return hex.EncodeToString(sum[:])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
