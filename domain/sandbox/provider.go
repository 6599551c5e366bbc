// Package sandbox drives the remote code-execution environment behind every
// workspace: provider capability interface, transport retry gate, snapshot
// management, and the driver used by sessions and the turn pipeline.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// State tracks the provider-side lifecycle of a sandbox.
type State string

const (
	StateCreating State = "creating"
	StateStarted  State = "started"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Provider is the capability interface over the remote sandbox host.
// Implementations must be safe for concurrent use.
type Provider interface {
	// CreateSandbox provisions a new sandbox from a base image.
	CreateSandbox(ctx context.Context, req *CreateRequest) (*Info, error)

	// CreateFromSnapshot provisions a new sandbox from a pre-built snapshot.
	CreateFromSnapshot(ctx context.Context, snapshotName string, req *CreateRequest) (*Info, error)

	// GetSandbox returns current metadata for a sandbox, including its state.
	GetSandbox(ctx context.Context, sandboxID string) (*Info, error)

	// StartSandbox starts a stopped sandbox.
	StartSandbox(ctx context.Context, sandboxID string, timeout time.Duration) error

	// StopSandbox stops a running sandbox without destroying it.
	StopSandbox(ctx context.Context, sandboxID string) error

	// DeleteSandbox permanently removes a sandbox and its resources.
	DeleteSandbox(ctx context.Context, sandboxID string) error

	// RunCode executes a source file already uploaded to the sandbox via the
	// provider's code-run API and captures output and artifacts.
	RunCode(ctx context.Context, sandboxID string, path string, timeout time.Duration) (*Execution, error)

	// RunCommand executes a shell command inside the sandbox.
	RunCommand(ctx context.Context, sandboxID string, command string, timeout time.Duration) (*Execution, error)

	// WriteFile writes content to a path inside the sandbox.
	WriteFile(ctx context.Context, sandboxID, path string, content []byte) error

	// ReadFile reads a file from the sandbox.
	ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error)

	// MakeDir creates a directory (and parents) inside the sandbox.
	MakeDir(ctx context.Context, sandboxID, path string) error

	// RemovePath removes a file or directory tree inside the sandbox.
	RemovePath(ctx context.Context, sandboxID, path string) error

	// GetSnapshot returns snapshot metadata, or ErrSnapshotNotFound.
	GetSnapshot(ctx context.Context, name string) (*SnapshotInfo, error)

	// BuildSnapshot builds a snapshot from a declarative image spec.
	BuildSnapshot(ctx context.Context, name string, spec *ImageSpec) error

	// DeleteSnapshot removes a snapshot.
	DeleteSnapshot(ctx context.Context, name string) error

	// Capabilities describes what this provider supports.
	Capabilities() *Capabilities
}

// ErrSnapshotNotFound is returned by GetSnapshot for unknown snapshot names.
var ErrSnapshotNotFound = fmt.Errorf("snapshot not found")

// Capabilities describes a provider.
type Capabilities struct {
	Name              string `json:"name"`
	SupportsSnapshots bool   `json:"supports_snapshots"`
	SupportsStop      bool   `json:"supports_stop"`
}

// CreateRequest holds parameters for creating a sandbox.
type CreateRequest struct {
	BaseImage string            `json:"base_image,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	WorkDir   string            `json:"work_dir,omitempty"`
}

// Info describes a sandbox known to the provider.
type Info struct {
	SandboxID string    `json:"sandbox_id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution holds the result of running code or a command.
type Execution struct {
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	ExitCode   int        `json:"exit_code"`
	DurationMs int64      `json:"duration_ms"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
}

// Artifact is an output object captured during execution, such as a chart
// rendered to PNG (base64-encoded).
type Artifact struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// SnapshotInfo describes a pre-built snapshot.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Failed    bool      `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageSpec declares the contents baked into a snapshot.
type ImageSpec struct {
	BaseImage      string   `json:"base_image"`
	PythonVersion  string   `json:"python_version"`
	PipPackages    []string `json:"pip_packages"`
	AptPackages    []string `json:"apt_packages"`
	MCPNpmPackages []string `json:"mcp_npm_packages"`
}
