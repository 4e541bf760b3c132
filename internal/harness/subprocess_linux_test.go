package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/testutil"
)

func TestSubprocessRunner_MemoryCap(t *testing.T) {
	runner := helperRunner("serve", 30*time.Second)
	runner.MemoryLimit = "64MiB"

	result, err := runner.Run(context.Background(), Request{Source: testutil.MemoryHogProgram})
	assert.Nil(t, result)
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr), "got %T: %v", err, err)
	assert.Contains(t, execErr.Reason, "exited with code")
}

func TestSubprocessRunner_MemoryCapLeavesSmallProgramsAlone(t *testing.T) {
	runner := helperRunner("serve", 30*time.Second)
	runner.MemoryLimit = "256MiB"

	result, err := runner.Run(context.Background(), Request{Source: testutil.PlateProgram})
	require.NoError(t, err)
	assert.Len(t, result.Shapes, 2)
}

func TestAddressSpace(t *testing.T) {
	used, err := addressSpace()
	require.NoError(t, err)
	assert.Positive(t, used)
}
