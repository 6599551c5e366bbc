package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// workspaceDirs are created during bootstrap, relative to the working dir.
var workspaceDirs = []string{
	"tools",
	"tools/docs",
	"results",
	"data",
	"code",
	"_internal/src",
}

// Driver presents a stable capability surface over the remote sandbox
// provider for one workspace. All provider calls go through the retry gate.
type Driver struct {
	provider Provider
	cfg      *config.SandboxConfig
	log      *slog.Logger
	paths    *PathPolicy
	gate     *Gate

	mu           sync.Mutex
	sandboxID    string
	newlyCreated bool

	execCount atomic.Int64
	bashCount atomic.Int64

	// refreshMu makes tool-stub refresh single-flight.
	refreshMu sync.Mutex
}

// NewDriver creates a driver for one workspace sandbox.
func NewDriver(provider Provider, cfg *config.SandboxConfig, log *slog.Logger) *Driver {
	d := &Driver{
		provider: provider,
		cfg:      cfg,
		log:      log.With(logger.Scope("sandbox.driver")),
		paths:    DefaultPathPolicy(cfg.WorkDir),
	}
	d.gate = NewGate(d.ensureConnected, log)
	return d
}

// SandboxID returns the provider ID of the bound sandbox, if any.
func (d *Driver) SandboxID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sandboxID
}

// NewlyCreated reports whether SetupWorkspace provisioned a fresh sandbox
// in this process (assets must be synced unconditionally).
func (d *Driver) NewlyCreated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newlyCreated
}

// Paths exposes the path policy for callers that virtualize results.
func (d *Driver) Paths() *PathPolicy { return d.paths }

// SetupWorkspace provisions a sandbox for a new workspace. It prefers the
// snapshot fast path and falls back to the base image plus full bootstrap.
func (d *Driver) SetupWorkspace(ctx context.Context) error {
	spec := ImageSpecFromConfig(d.cfg)
	req := &CreateRequest{BaseImage: d.cfg.BaseImage, WorkDir: d.cfg.WorkDir}

	var info *Info
	snapshotName, err := EnsureSnapshot(ctx, d.provider, d.cfg.SnapshotBaseName, spec, d.log)
	if err == nil {
		info, err = Call(ctx, d.gate, "create_from_snapshot", PolicySafe, false, func() (*Info, error) {
			return d.provider.CreateFromSnapshot(ctx, snapshotName, req)
		})
	}
	if err != nil {
		d.log.Warn("snapshot path failed, falling back to base image", logger.Error(err))
		info, err = Call(ctx, d.gate, "create_sandbox", PolicySafe, false, func() (*Info, error) {
			return d.provider.CreateSandbox(ctx, req)
		})
		if err != nil {
			return fmt.Errorf("create sandbox: %w", err)
		}
		if err := d.bootstrapImage(ctx, info.SandboxID, spec); err != nil {
			return fmt.Errorf("bootstrap sandbox: %w", err)
		}
	}

	d.mu.Lock()
	d.sandboxID = info.SandboxID
	d.newlyCreated = true
	d.mu.Unlock()

	if err := d.bootstrapDirs(ctx); err != nil {
		return err
	}

	if err := d.uploadInternalPackages(ctx); err != nil {
		return err
	}

	d.log.Info("sandbox workspace ready", slog.String("sandbox_id", info.SandboxID))
	return nil
}

// Reconnect binds the driver to an existing sandbox: a stopped sandbox is
// started, a started one is a no-op, anything else is a hard error.
func (d *Driver) Reconnect(ctx context.Context, sandboxID string) error {
	info, err := Call(ctx, d.gate, "get_sandbox", PolicySafe, false, func() (*Info, error) {
		return d.provider.GetSandbox(ctx, sandboxID)
	})
	if err != nil {
		return fmt.Errorf("get sandbox %s: %w", sandboxID, err)
	}

	switch info.State {
	case StateStopped:
		err := d.gate.Do(ctx, "start_sandbox", PolicySafe, false, func() error {
			return d.provider.StartSandbox(ctx, sandboxID, d.cfg.StartTimeout)
		})
		if err != nil {
			return fmt.Errorf("start sandbox %s: %w", sandboxID, err)
		}
	case StateStarted:
		// Already running.
	default:
		return fmt.Errorf("sandbox %s is in state %q, cannot reconnect", sandboxID, info.State)
	}

	d.mu.Lock()
	d.sandboxID = sandboxID
	d.newlyCreated = false
	d.mu.Unlock()

	d.log.Info("reconnected to sandbox", slog.String("sandbox_id", sandboxID))
	return nil
}

// ensureConnected is the gate's reconnect hook: it re-runs the reconnect
// sequence against the already-bound sandbox ID.
func (d *Driver) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	sandboxID := d.sandboxID
	d.mu.Unlock()

	if sandboxID == "" {
		return fmt.Errorf("no sandbox bound")
	}

	info, err := d.provider.GetSandbox(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("get sandbox %s: %w", sandboxID, err)
	}
	if info.State == StateStopped {
		return d.provider.StartSandbox(ctx, sandboxID, d.cfg.StartTimeout)
	}
	if info.State != StateStarted {
		return fmt.Errorf("sandbox %s is in state %q", sandboxID, info.State)
	}
	return nil
}

// Stop stops the sandbox without deleting it.
func (d *Driver) Stop(ctx context.Context) error {
	sandboxID := d.SandboxID()
	if sandboxID == "" {
		return nil
	}
	return d.gate.Do(ctx, "stop_sandbox", PolicySafe, false, func() error {
		return d.provider.StopSandbox(ctx, sandboxID)
	})
}

// Delete permanently removes the sandbox.
func (d *Driver) Delete(ctx context.Context) error {
	sandboxID := d.SandboxID()
	if sandboxID == "" {
		return nil
	}
	err := d.gate.Do(ctx, "delete_sandbox", PolicySafe, false, func() error {
		return d.provider.DeleteSandbox(ctx, sandboxID)
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sandboxID = ""
	d.mu.Unlock()
	return nil
}

// bootstrapImage installs the image spec contents on a sandbox created from
// the default image (the slow path).
func (d *Driver) bootstrapImage(ctx context.Context, sandboxID string, spec *ImageSpec) error {
	var commands []string
	if len(spec.AptPackages) > 0 {
		commands = append(commands,
			"apt-get update",
			"apt-get install -y "+strings.Join(spec.AptPackages, " "),
		)
	}
	if len(spec.MCPNpmPackages) > 0 {
		commands = append(commands,
			"apt-get install -y nodejs npm",
			"npm install -g "+strings.Join(spec.MCPNpmPackages, " "),
		)
	}
	if len(spec.PipPackages) > 0 {
		commands = append(commands, "pip install "+strings.Join(spec.PipPackages, " "))
	}

	for _, cmd := range commands {
		result, err := d.provider.RunCommand(ctx, sandboxID, cmd, d.cfg.ExecTimeout)
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", cmd, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("bootstrap %q: exit %d: %s", cmd, result.ExitCode, result.Stderr)
		}
	}
	return nil
}

// bootstrapDirs creates the fixed workspace directories in parallel.
func (d *Driver) bootstrapDirs(ctx context.Context) error {
	sandboxID := d.SandboxID()

	g, gctx := errgroup.WithContext(ctx)
	for _, dir := range workspaceDirs {
		target := path.Join(d.cfg.WorkDir, dir)
		g.Go(func() error {
			return d.gate.Do(gctx, "mkdir", PolicySafe, false, func() error {
				return d.provider.MakeDir(gctx, sandboxID, target)
			})
		})
	}
	return g.Wait()
}

// uploadInternalPackages ships the in-sandbox support code used by generated
// stubs and the exec wrappers.
func (d *Driver) uploadInternalPackages(ctx context.Context) error {
	sandboxID := d.SandboxID()
	target := path.Join(d.cfg.WorkDir, "_internal/src/data_client.py")
	return d.gate.Do(ctx, "upload_internal", PolicySafe, false, func() error {
		return d.provider.WriteFile(ctx, sandboxID, target, []byte(dataClientSource))
	})
}

// WriteToolAsset writes a generated stub or doc under tools/. Used by the
// asset synchronizer; refreshes are serialized by RefreshTools.
func (d *Driver) WriteToolAsset(ctx context.Context, relPath string, content []byte) error {
	sandboxID := d.SandboxID()
	target := path.Join(d.cfg.WorkDir, "tools", relPath)
	return d.gate.Do(ctx, "write_tool_asset", PolicySafe, false, func() error {
		return d.provider.WriteFile(ctx, sandboxID, target, content)
	})
}

// RefreshTools rebuilds all tool assets under a single-flight lock.
func (d *Driver) RefreshTools(ctx context.Context, write func(ctx context.Context) error) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return write(ctx)
}

// ReadFile reads a file at an agent-visible path.
func (d *Driver) ReadFile(ctx context.Context, virtualPath string) ([]byte, error) {
	target := d.paths.Normalize(virtualPath)
	if err := d.paths.Validate(target, false); err != nil {
		return nil, err
	}
	return Call(ctx, d.gate, "read_file", PolicySafe, true, func() ([]byte, error) {
		return d.provider.ReadFile(ctx, d.SandboxID(), target)
	})
}

// WriteFile writes a file at an agent-visible path.
func (d *Driver) WriteFile(ctx context.Context, virtualPath string, content []byte) error {
	target := d.paths.Normalize(virtualPath)
	if err := d.paths.Validate(target, false); err != nil {
		return err
	}
	return d.gate.Do(ctx, "write_file", PolicySafe, true, func() error {
		return d.provider.WriteFile(ctx, d.SandboxID(), target, content)
	})
}

// EditFile replaces oldString with newString in the file. oldString must
// occur exactly once.
func (d *Driver) EditFile(ctx context.Context, virtualPath, oldString, newString string) error {
	content, err := d.ReadFile(ctx, virtualPath)
	if err != nil {
		return err
	}

	text := string(content)
	count := strings.Count(text, oldString)
	if count == 0 {
		return fmt.Errorf("old string not found in %s", virtualPath)
	}
	if count > 1 {
		return fmt.Errorf("old string occurs %d times in %s, must be unique", count, virtualPath)
	}

	return d.WriteFile(ctx, virtualPath, []byte(strings.Replace(text, oldString, newString, 1)))
}

// MkDir creates a directory at an agent-visible path.
func (d *Driver) MkDir(ctx context.Context, virtualPath string) error {
	target := d.paths.Normalize(virtualPath)
	if err := d.paths.Validate(target, false); err != nil {
		return err
	}
	return d.gate.Do(ctx, "mkdir", PolicySafe, true, func() error {
		return d.provider.MakeDir(ctx, d.SandboxID(), target)
	})
}

// Remove deletes a file or directory tree at an agent-visible path.
func (d *Driver) Remove(ctx context.Context, virtualPath string) error {
	target := d.paths.Normalize(virtualPath)
	if err := d.paths.Validate(target, false); err != nil {
		return err
	}
	return d.gate.Do(ctx, "remove", PolicySafe, true, func() error {
		return d.provider.RemovePath(ctx, d.SandboxID(), target)
	})
}

// Download reads a file for user-initiated inspection; denied prefixes are
// allowed here.
func (d *Driver) Download(ctx context.Context, virtualPath string) ([]byte, error) {
	target := d.paths.Normalize(virtualPath)
	if err := d.paths.Validate(target, true); err != nil {
		return nil, err
	}
	return Call(ctx, d.gate, "download", PolicySafe, true, func() ([]byte, error) {
		return d.provider.ReadFile(ctx, d.SandboxID(), target)
	})
}

// Glob lists files matching a glob pattern, returning virtualized paths.
func (d *Driver) Glob(ctx context.Context, pattern string) ([]string, error) {
	root := d.paths.Normalize("")
	script := globWrapper(root, pattern)

	result, err := d.runWrapper(ctx, "glob", script)
	if err != nil {
		return nil, err
	}
	return d.virtualizeLines(result.Stdout), nil
}

// Grep searches file contents with the sandbox's ripgrep, returning
// virtualized "path:line:text" matches.
func (d *Driver) Grep(ctx context.Context, pattern, virtualPath string) ([]string, error) {
	root := d.paths.Normalize(virtualPath)
	if err := d.paths.Validate(root, false); err != nil {
		return nil, err
	}
	script := grepWrapper(root, pattern)

	result, err := d.runWrapper(ctx, "grep", script)
	if err != nil {
		return nil, err
	}
	return d.virtualizeLines(result.Stdout), nil
}

// runWrapper executes a short generated Python wrapper script.
func (d *Driver) runWrapper(ctx context.Context, name, script string) (*Execution, error) {
	sandboxID := d.SandboxID()
	target := path.Join(d.cfg.WorkDir, "code", fmt.Sprintf("_%s_wrapper.py", name))

	err := d.gate.Do(ctx, "write_wrapper", PolicySafe, true, func() error {
		return d.provider.WriteFile(ctx, sandboxID, target, []byte(script))
	})
	if err != nil {
		return nil, err
	}

	return Call(ctx, d.gate, name, PolicySafe, true, func() (*Execution, error) {
		return d.provider.RunCommand(ctx, sandboxID, "python3 "+target, d.cfg.ExecTimeout)
	})
}

func (d *Driver) virtualizeLines(out string) []string {
	var results []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		results = append(results, d.paths.Virtualize(line))
	}
	return results
}
