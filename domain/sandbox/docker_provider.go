package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

const (
	dockerLabel        = "cadenza.sandbox"
	dockerVolumeLabel  = "cadenza.sandbox.volume"
	snapshotRepository = "cadenza-snapshot"
	snapshotSpecLabel  = "cadenza.snapshot.spec"
	maxOutputBytes     = 50 * 1024
)

// DockerProvider implements Provider on the local Docker daemon. Sandboxes
// are long-lived containers with a named volume mounted at the working dir;
// snapshots are committed images tagged under the snapshot repository.
type DockerProvider struct {
	client  client.APIClient
	log     *slog.Logger
	workDir string
}

// NewDockerProvider creates a Docker-backed sandbox provider from the
// environment (DOCKER_HOST etc.).
func NewDockerProvider(log *slog.Logger, workDir string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerProvider{
		client:  cli,
		log:     log.With(logger.Scope("sandbox.docker")),
		workDir: workDir,
	}, nil
}

func (p *DockerProvider) Capabilities() *Capabilities {
	return &Capabilities{Name: "docker", SupportsSnapshots: true, SupportsStop: true}
}

func (p *DockerProvider) CreateSandbox(ctx context.Context, req *CreateRequest) (*Info, error) {
	img := req.BaseImage
	if img == "" {
		return nil, fmt.Errorf("base image is required")
	}
	if err := p.ensureImage(ctx, img); err != nil {
		return nil, err
	}
	return p.createContainer(ctx, img, req)
}

func (p *DockerProvider) CreateFromSnapshot(ctx context.Context, snapshotName string, req *CreateRequest) (*Info, error) {
	img := snapshotImageRef(snapshotName)
	if _, err := p.inspectSnapshotImage(ctx, snapshotName); err != nil {
		return nil, err
	}
	return p.createContainer(ctx, img, req)
}

func (p *DockerProvider) createContainer(ctx context.Context, img string, req *CreateRequest) (*Info, error) {
	workDir := req.WorkDir
	if workDir == "" {
		workDir = p.workDir
	}

	volumeName := fmt.Sprintf("cadenza-sandbox-%d", time.Now().UnixNano())
	_, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName,
		Labels: map[string]string{dockerLabel: "true"},
	})
	if err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}

	var env []string
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image:      img,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: workDir,
		Labels: map[string]string{
			dockerLabel:       "true",
			dockerVolumeLabel: volumeName,
		},
	}
	for k, v := range req.Labels {
		containerConfig.Labels[k] = v
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: workDir,
		}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		_ = p.client.VolumeRemove(ctx, volumeName, true)
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		_ = p.client.VolumeRemove(ctx, volumeName, true)
		return nil, fmt.Errorf("start container: %w", err)
	}

	p.log.Info("sandbox container created",
		slog.String("container_id", shortID(resp.ID)),
		slog.String("image", img),
	)
	return &Info{SandboxID: resp.ID, State: StateStarted, CreatedAt: time.Now()}, nil
}

func (p *DockerProvider) GetSandbox(ctx context.Context, sandboxID string) (*Info, error) {
	inspect, err := p.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	state := StateError
	switch {
	case inspect.State == nil:
	case inspect.State.Running:
		state = StateStarted
	case inspect.State.Status == "created":
		state = StateCreating
	case inspect.State.Status == "exited" || inspect.State.Status == "paused":
		state = StateStopped
	}

	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	return &Info{SandboxID: inspect.ID, State: state, CreatedAt: created}, nil
}

func (p *DockerProvider) StartSandbox(ctx context.Context, sandboxID string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.client.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (p *DockerProvider) StopSandbox(ctx context.Context, sandboxID string) error {
	stopTimeout := 10
	if err := p.client.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (p *DockerProvider) DeleteSandbox(ctx context.Context, sandboxID string) error {
	volumeName := ""
	if inspect, err := p.client.ContainerInspect(ctx, sandboxID); err == nil {
		volumeName = inspect.Config.Labels[dockerVolumeLabel]
	}

	err := p.client.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}

	if volumeName != "" {
		if err := p.client.VolumeRemove(ctx, volumeName, true); err != nil {
			p.log.Warn("failed to remove sandbox volume",
				slog.String("volume", volumeName), logger.Error(err))
		}
	}
	return nil
}

func (p *DockerProvider) RunCode(ctx context.Context, sandboxID, path string, timeout time.Duration) (*Execution, error) {
	return p.RunCommand(ctx, sandboxID, "python3 "+path, timeout)
}

func (p *DockerProvider) RunCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*Execution, error) {
	start := time.Now()

	execResp, err := p.client.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		WorkingDir:   p.workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attach, err := p.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, err = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
	if err != nil && !errors.Is(err, io.EOF) {
		// A deadline on the exec context surfaces as a read error. Report it
		// as exit 124 rather than a transport failure.
		if execCtx.Err() != nil {
			return &Execution{
				Stdout:     truncateOutput(stdoutBuf.String()),
				Stderr:     fmt.Sprintf("command timed out after %s", timeout),
				ExitCode:   124,
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &Execution{
		Stdout:     truncateOutput(stdoutBuf.String()),
		Stderr:     truncateOutput(stderrBuf.String()),
		ExitCode:   inspect.ExitCode,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *DockerProvider) WriteFile(ctx context.Context, sandboxID, path string, content []byte) error {
	if idx := strings.LastIndex(path, "/"); idx > 0 {
		if err := p.MakeDir(ctx, sandboxID, path[:idx]); err != nil {
			return err
		}
	}

	// Base64 round-trip keeps arbitrary bytes intact through the shell.
	encoded := base64.StdEncoding.EncodeToString(content)
	result, err := p.RunCommand(ctx, sandboxID,
		fmt.Sprintf("echo %s | base64 -d > %q", encoded, path), 0)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s: exit %d: %s", path, result.ExitCode, result.Stderr)
	}
	return nil
}

func (p *DockerProvider) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	result, err := p.RunCommand(ctx, sandboxID, fmt.Sprintf("base64 < %q", path), 0)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("read %s: exit %d: %s", path, result.ExitCode, result.Stderr)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Stdout, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return decoded, nil
}

func (p *DockerProvider) MakeDir(ctx context.Context, sandboxID, path string) error {
	result, err := p.RunCommand(ctx, sandboxID, fmt.Sprintf("mkdir -p %q", path), 0)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: exit %d: %s", path, result.ExitCode, result.Stderr)
	}
	return nil
}

func (p *DockerProvider) RemovePath(ctx context.Context, sandboxID, path string) error {
	result, err := p.RunCommand(ctx, sandboxID, fmt.Sprintf("rm -rf %q", path), 0)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("rm %s: exit %d: %s", path, result.ExitCode, result.Stderr)
	}
	return nil
}

func (p *DockerProvider) GetSnapshot(ctx context.Context, name string) (*SnapshotInfo, error) {
	inspect, err := p.inspectSnapshotImage(ctx, name)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	return &SnapshotInfo{Name: name, Active: true, CreatedAt: created}, nil
}

// BuildSnapshot materializes the image spec by running the install commands
// in a scratch container and committing the result under the snapshot tag.
func (p *DockerProvider) BuildSnapshot(ctx context.Context, name string, spec *ImageSpec) error {
	if err := p.ensureImage(ctx, spec.BaseImage); err != nil {
		return err
	}

	builder, err := p.createContainer(ctx, spec.BaseImage, &CreateRequest{WorkDir: p.workDir})
	if err != nil {
		return fmt.Errorf("create snapshot builder: %w", err)
	}
	defer func() {
		if derr := p.DeleteSandbox(context.WithoutCancel(ctx), builder.SandboxID); derr != nil {
			p.log.Warn("failed to remove snapshot builder", logger.Error(derr))
		}
	}()

	for _, cmd := range snapshotBuildCommands(spec) {
		result, err := p.RunCommand(ctx, builder.SandboxID, cmd, 0)
		if err != nil {
			return fmt.Errorf("snapshot build %q: %w", cmd, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("snapshot build %q: exit %d: %s", cmd, result.ExitCode, result.Stderr)
		}
	}

	specJSON, _ := json.Marshal(spec)
	ref := snapshotImageRef(name)
	_, err = p.client.ContainerCommit(ctx, builder.SandboxID, container.CommitOptions{
		Reference: ref,
		Config: &container.Config{
			Labels: map[string]string{
				dockerLabel:       "true",
				snapshotSpecLabel: string(specJSON),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot %s: %w", name, err)
	}

	p.log.Info("snapshot built", slog.String("snapshot", name), slog.String("image", ref))
	return nil
}

func (p *DockerProvider) DeleteSnapshot(ctx context.Context, name string) error {
	_, err := p.client.ImageRemove(ctx, snapshotImageRef(name), image.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove snapshot image: %w", err)
	}
	return nil
}

// ListSandboxes returns all sandbox containers managed by this provider.
// Used by operational tooling, not by the driver.
func (p *DockerProvider) ListSandboxes(ctx context.Context) ([]*Info, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", dockerLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]*Info, 0, len(containers))
	for _, c := range containers {
		state := StateStopped
		if c.State == "running" {
			state = StateStarted
		}
		infos = append(infos, &Info{
			SandboxID: c.ID,
			State:     state,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return infos, nil
}

func (p *DockerProvider) inspectSnapshotImage(ctx context.Context, name string) (*image.InspectResponse, error) {
	inspect, _, err := p.client.ImageInspectWithRaw(ctx, snapshotImageRef(name))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("inspect snapshot image: %w", err)
	}
	return &inspect, nil
}

func (p *DockerProvider) ensureImage(ctx context.Context, ref string) error {
	_, _, err := p.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}

	p.log.Info("pulling sandbox image", slog.String("image", ref))
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func snapshotImageRef(name string) string {
	return snapshotRepository + ":" + name
}

func snapshotBuildCommands(spec *ImageSpec) []string {
	var commands []string
	if len(spec.AptPackages) > 0 {
		commands = append(commands,
			"apt-get update",
			"apt-get install -y "+strings.Join(spec.AptPackages, " "),
		)
	}
	if len(spec.MCPNpmPackages) > 0 {
		commands = append(commands,
			"apt-get update",
			"apt-get install -y nodejs npm",
			"npm install -g "+strings.Join(spec.MCPNpmPackages, " "),
		)
	}
	if len(spec.PipPackages) > 0 {
		commands = append(commands, "pip install "+strings.Join(spec.PipPackages, " "))
	}
	return commands
}

func truncateOutput(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
