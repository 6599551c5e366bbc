package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkDir = "/home/user/workspace"

func TestPathPolicy_Normalize(t *testing.T) {
	p := DefaultPathPolicy(testWorkDir)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", testWorkDir},
		{"dot", ".", testWorkDir},
		{"root", "/", testWorkDir},
		{"virtual results", "/results/report.md", testWorkDir + "/results/report.md"},
		{"virtual data", "/data/prices.csv", testWorkDir + "/data/prices.csv"},
		{"relative", "code/run.py", testWorkDir + "/code/run.py"},
		{"already real", testWorkDir + "/tools/docs", testWorkDir + "/tools/docs"},
		{"allowed tmp", "/tmp/scratch.txt", "/tmp/scratch.txt"},
		{"dot segments", "results/../results/a.txt", testWorkDir + "/results/a.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Normalize(tt.in))
		})
	}
}

func TestPathPolicy_Virtualize(t *testing.T) {
	p := DefaultPathPolicy(testWorkDir)

	assert.Equal(t, "/results/x.png", p.Virtualize(testWorkDir+"/results/x.png"))
	assert.Equal(t, "/", p.Virtualize(testWorkDir))
	assert.Equal(t, "/tmp/scratch", p.Virtualize("/tmp/scratch"))
}

func TestPathPolicy_RoundTripStable(t *testing.T) {
	p := DefaultPathPolicy(testWorkDir)

	// For any valid path, virtualize(normalize(p)) is a fixed point.
	inputs := []string{"/results/a.txt", "data/b.csv", "/tmp/c", testWorkDir + "/code/d.py"}
	for _, in := range inputs {
		normalized := p.Normalize(in)
		require.NoError(t, p.Validate(normalized, false))

		virtual := p.Virtualize(normalized)
		again := p.Virtualize(p.Normalize(virtual))
		assert.Equal(t, virtual, again, "round trip changed for %q", in)
	}
}

func TestPathPolicy_Validate(t *testing.T) {
	p := DefaultPathPolicy(testWorkDir)

	assert.NoError(t, p.Validate(testWorkDir+"/results/a", false))
	assert.NoError(t, p.Validate("/tmp/x", false))
	assert.Error(t, p.Validate("/etc/passwd", false))
	assert.Error(t, p.Validate(testWorkDir+"/_internal/src/client.py", false))

	// Explicit user-initiated inspection may read denied paths.
	assert.NoError(t, p.Validate(testWorkDir+"/_internal/src/client.py", true))
}
