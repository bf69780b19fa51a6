package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticsReportsConnectedGraphAfterBuild(t *testing.T) {
	col, _ := seedCollection(t, 50, testDim, 7)
	idx := NewIndex(col, DefaultConfig(testDim))
	require.NoError(t, idx.Build(32, 64))

	diag := idx.Diagnostics(5)
	assert.Equal(t, 50, diag.NodeCount)
	assert.GreaterOrEqual(t, diag.AverageDegree, 0.0)
	assert.LessOrEqual(t, diag.ComponentCount, diag.NodeCount)
	assert.LessOrEqual(t, len(diag.TopHubs), 5)
}

func TestDiagnosticsOnEmptyIndex(t *testing.T) {
	col := newMemoryCollection()
	idx := NewIndex(col, DefaultConfig(testDim))

	diag := idx.Diagnostics(0)
	assert.Equal(t, 0, diag.NodeCount)
	assert.Equal(t, 0, diag.ComponentCount)
}

func TestDiagnosticsExcludesDeletedNodes(t *testing.T) {
	col, _ := seedCollection(t, 10, testDim, 3)
	idx := NewIndex(col, DefaultConfig(testDim))
	require.NoError(t, idx.Build(16, 32))

	require.NoError(t, idx.Remove(VectorID(0)))
	diag := idx.Diagnostics(0)
	assert.Equal(t, 9, diag.NodeCount)
}
