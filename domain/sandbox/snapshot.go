package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// SnapshotName computes the deterministic snapshot name for an image spec:
// `<base>-<8hex>` where the hex is a SHA-256 over the canonicalized spec.
// Permuting the order of any package list never changes the name.
func SnapshotName(base string, spec *ImageSpec) string {
	canonical := struct {
		PythonVersion  string   `json:"python_version"`
		PipPackages    []string `json:"pip_packages"`
		AptPackages    []string `json:"apt_packages"`
		MCPNpmPackages []string `json:"mcp_npm_packages"`
	}{
		PythonVersion:  spec.PythonVersion,
		PipPackages:    sortedCopy(spec.PipPackages),
		AptPackages:    sortedCopy(spec.AptPackages),
		MCPNpmPackages: sortedCopy(spec.MCPNpmPackages),
	}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(sum[:])[:8])
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// ImageSpecFromConfig builds the declarative image spec from configuration.
func ImageSpecFromConfig(cfg *config.SandboxConfig) *ImageSpec {
	return &ImageSpec{
		BaseImage:      cfg.BaseImage,
		PythonVersion:  cfg.PythonVersion,
		PipPackages:    cfg.PipDependencies,
		AptPackages:    cfg.AptPackages,
		MCPNpmPackages: cfg.MCPNpmPackages,
	}
}

// EnsureSnapshot makes sure an up-to-date snapshot exists for the spec and
// returns its name. An existing active snapshot is reused; a failed build is
// deleted and rebuilt; a missing one is built from scratch.
func EnsureSnapshot(ctx context.Context, provider Provider, base string, spec *ImageSpec, log *slog.Logger) (string, error) {
	log = log.With(logger.Scope("sandbox.snapshot"))
	name := SnapshotName(base, spec)

	info, err := provider.GetSnapshot(ctx, name)
	switch {
	case err == nil && info.Active:
		log.Debug("reusing snapshot", slog.String("name", name))
		return name, nil

	case err == nil && info.Failed:
		log.Warn("snapshot build previously failed, rebuilding", slog.String("name", name))
		if derr := provider.DeleteSnapshot(ctx, name); derr != nil {
			return "", fmt.Errorf("delete failed snapshot %s: %w", name, derr)
		}

	case err == nil:
		// Exists but still building; treat as reusable and let create-time
		// errors surface from the provider.
		log.Debug("snapshot still building", slog.String("name", name))
		return name, nil

	case errors.Is(err, ErrSnapshotNotFound):
		log.Info("snapshot missing, building", slog.String("name", name))

	default:
		return "", fmt.Errorf("get snapshot %s: %w", name, err)
	}

	if err := provider.BuildSnapshot(ctx, name, spec); err != nil {
		return "", fmt.Errorf("build snapshot %s: %w", name, err)
	}

	log.Info("snapshot built", slog.String("name", name))
	return name, nil
}
