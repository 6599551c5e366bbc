package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotName_Deterministic(t *testing.T) {
	a := &ImageSpec{
		PythonVersion:  "3.12",
		PipPackages:    []string{"pandas", "numpy"},
		MCPNpmPackages: []string{"a", "b"},
	}
	b := &ImageSpec{
		PythonVersion:  "3.12",
		PipPackages:    []string{"numpy", "pandas"},
		MCPNpmPackages: []string{"b", "a"},
	}

	nameA := SnapshotName("agent", a)
	nameB := SnapshotName("agent", b)

	assert.Equal(t, nameA, nameB, "package order must not affect the snapshot name")
	require.True(t, strings.HasPrefix(nameA, "agent-"))
	assert.Len(t, strings.TrimPrefix(nameA, "agent-"), 8)
}

func TestSnapshotName_SensitiveToContents(t *testing.T) {
	base := &ImageSpec{PythonVersion: "3.12", PipPackages: []string{"pandas"}}
	changedDep := &ImageSpec{PythonVersion: "3.12", PipPackages: []string{"polars"}}
	changedPy := &ImageSpec{PythonVersion: "3.11", PipPackages: []string{"pandas"}}

	assert.NotEqual(t, SnapshotName("agent", base), SnapshotName("agent", changedDep))
	assert.NotEqual(t, SnapshotName("agent", base), SnapshotName("agent", changedPy))
}

func TestEnsureSnapshot_ReusesActive(t *testing.T) {
	provider := newFakeProvider()
	spec := &ImageSpec{PythonVersion: "3.12"}
	name := SnapshotName("agent", spec)
	provider.snapshots[name] = &SnapshotInfo{Name: name, Active: true}

	got, err := EnsureSnapshot(context.Background(), provider, "agent", spec, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, name, got)
	assert.Equal(t, 0, provider.buildCalls)
}

func TestEnsureSnapshot_RebuildsFailed(t *testing.T) {
	provider := newFakeProvider()
	spec := &ImageSpec{PythonVersion: "3.12"}
	name := SnapshotName("agent", spec)
	provider.snapshots[name] = &SnapshotInfo{Name: name, Failed: true}

	got, err := EnsureSnapshot(context.Background(), provider, "agent", spec, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, name, got)
	assert.Equal(t, 1, provider.deleteSnapshotCalls)
	assert.Equal(t, 1, provider.buildCalls)
}

func TestEnsureSnapshot_BuildsMissing(t *testing.T) {
	provider := newFakeProvider()
	spec := &ImageSpec{PythonVersion: "3.12"}

	got, err := EnsureSnapshot(context.Background(), provider, "agent", spec, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, SnapshotName("agent", spec), got)
	assert.Equal(t, 1, provider.buildCalls)
}
