package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMemoryLimit = "512MiB"
	maxStderrBytes     = 64 << 10

	// childProcs bounds the threads, and so the thread stacks, counted
	// against the child's address space.
	childProcs = "2"
)

// MemoryLimitEnv carries the memory budget to the child. The Go runtime reads
// it as a soft GC target and LimitMemory turns it into a hard cap.
const MemoryLimitEnv = "GOMEMLIMIT"

// Error kinds carried across the process boundary.
const (
	kindExecution = "execution"
	kindSchema    = "schema"
)

// SubprocessRunner evaluates each request in a fresh cad-harness process.
//
// The child gets an empty environment apart from GOMEMLIMIT and GOMAXPROCS.
// It is killed when Timeout passes, and cad-harness calls LimitMemory with
// the GOMEMLIMIT budget before evaluating, so on Linux a program that
// allocates past it crashes the child rather than the caller.
type SubprocessRunner struct {
	// Path to the cad-harness binary.
	Path string
	// Args are passed to the binary before any request is written.
	Args []string
	// Env is appended to the child's otherwise empty environment.
	Env []string
	// Timeout bounds a single evaluation. Zero means 30s.
	Timeout time.Duration
	// MemoryLimit is exported as GOMEMLIMIT. Empty means 512MiB.
	MemoryLimit string

	Logger *zap.Logger
}

// NewSubprocessRunner creates a runner for the harness binary at path.
func NewSubprocessRunner(path string, timeout time.Duration, logger *zap.Logger) *SubprocessRunner {
	return &SubprocessRunner{
		Path:    path,
		Timeout: timeout,
		Logger:  logger,
	}
}

// wireResponse is the child's stdout payload.
type wireResponse struct {
	Result *Result    `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

type wireError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Trace  string `json:"trace,omitempty"`
}

// Run implements Runner.
func (r *SubprocessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode harness request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Path, r.Args...)
	cmd.Env = r.environ()
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := &limitedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	r.logger().Debug("harness process finished",
		zap.String("path", r.Path),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(runErr))

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &models.ExecutionError{
			Reason: fmt.Sprintf("program exceeded execution budget of %s", timeout),
			Trace:  stderr.String(),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("harness run canceled: %w", err)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &models.ExecutionError{
				Reason: fmt.Sprintf("harness process exited with code %d", exitErr.ExitCode()),
				Trace:  stderr.String(),
			}
		}
		return nil, fmt.Errorf("failed to start harness process: %w", runErr)
	}

	return decodeResponse(stdout.Bytes())
}

func (r *SubprocessRunner) environ() []string {
	limit := r.MemoryLimit
	if limit == "" {
		limit = defaultMemoryLimit
	}
	env := []string{MemoryLimitEnv + "=" + limit, "GOMAXPROCS=" + childProcs}
	return append(env, r.Env...)
}

func (r *SubprocessRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func decodeResponse(data []byte) (*Result, error) {
	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &models.ExecutionError{
			Reason: "harness returned a malformed response",
			Trace:  truncate(string(data), maxStderrBytes),
		}
	}
	if resp.Error != nil {
		return nil, resp.Error.toError()
	}
	if resp.Result == nil {
		return nil, &models.ExecutionError{Reason: "harness returned an empty response"}
	}
	if resp.Result.Schema == nil {
		resp.Result.Schema = models.Schema{}
	}
	return resp.Result, nil
}

func (e *wireError) toError() error {
	if e.Kind == kindSchema {
		return &models.SchemaError{Reason: e.Reason}
	}
	return &models.ExecutionError{Reason: e.Reason, Trace: e.Trace}
}

func encodeError(err error) *wireError {
	var schemaErr *models.SchemaError
	if errors.As(err, &schemaErr) {
		return &wireError{Kind: kindSchema, Reason: schemaErr.Reason}
	}
	var execErr *models.ExecutionError
	if errors.As(err, &execErr) {
		return &wireError{Kind: kindExecution, Reason: execErr.Reason, Trace: execErr.Trace}
	}
	return &wireError{Kind: kindExecution, Reason: err.Error()}
}

// Serve is the child side of SubprocessRunner: it reads one request from
// stdin, evaluates it, and writes the response to stdout. Program failures
// are reported in the response; only I/O failures are returned.
func Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode harness request: %w", err)
	}

	var resp wireResponse
	result, err := Evaluate(ctx, req)
	if err != nil {
		resp.Error = encodeError(err)
	} else {
		resp.Result = result
	}

	if err := json.NewEncoder(stdout).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode harness response: %w", err)
	}
	return nil
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
