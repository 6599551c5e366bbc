package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

const (
	// SandboxBase is where skill bundles live inside the sandbox.
	SandboxBase = "/skills"

	// manifestPath records the uploaded state inside the sandbox.
	manifestPath = SandboxBase + "/.skills_manifest.json"

	// uploadConcurrency caps parallel file uploads per sync.
	uploadConcurrency = 4
)

// SandboxFS is the slice of the sandbox driver the syncer needs.
type SandboxFS interface {
	ReadFile(ctx context.Context, virtualPath string) ([]byte, error)
	WriteFile(ctx context.Context, virtualPath string, content []byte) error
	MkDir(ctx context.Context, virtualPath string) error
	Remove(ctx context.Context, virtualPath string) error
}

// Syncer uploads the effective local skill set into a sandbox when its
// content version differs from what the sandbox already holds.
type Syncer struct {
	fs    SandboxFS
	roots []string
	log   *slog.Logger
}

// NewSyncer creates a syncer over the given skill roots, lowest precedence
// first.
func NewSyncer(fs SandboxFS, roots []string, log *slog.Logger) *Syncer {
	return &Syncer{
		fs:    fs,
		roots: roots,
		log:   log.With(logger.Scope("skills.sync")),
	}
}

// Roots returns the local skill roots, lowest precedence first.
func (s *Syncer) Roots() []string { return s.roots }

// Sync brings the sandbox skill tree up to date. newSandbox forces a full
// upload; otherwise the sandbox manifest version decides. Returns the number
// of files uploaded (zero when the sandbox was already current).
func (s *Syncer) Sync(ctx context.Context, newSandbox bool) (int, error) {
	skills, err := Discover(s.roots)
	if err != nil {
		return 0, err
	}
	local := BuildManifest(skills)

	if !newSandbox {
		if remote := s.readRemoteManifest(ctx); remote != nil && remote.Version == local.Version {
			s.log.Debug("skills already current", slog.String("version", local.Version))
			return 0, nil
		}
	}

	if err := s.fs.MkDir(ctx, SandboxBase); err != nil {
		return 0, fmt.Errorf("create skills base: %w", err)
	}

	names := make([]string, 0, len(skills))
	for name := range skills {
		names = append(names, name)
	}
	sort.Strings(names)

	uploaded := 0
	for _, name := range names {
		skill := skills[name]

		// Stale files from a previous version or an overridden root must not
		// survive, so the skill directory is replaced wholesale.
		if !newSandbox {
			if err := s.fs.Remove(ctx, path.Join(SandboxBase, name)); err != nil {
				return uploaded, fmt.Errorf("remove stale skill %s: %w", name, err)
			}
		}
		if err := s.fs.MkDir(ctx, path.Join(SandboxBase, name)); err != nil {
			return uploaded, fmt.Errorf("create skill dir %s: %w", name, err)
		}

		n, err := s.uploadSkill(ctx, skill)
		uploaded += n
		if err != nil {
			return uploaded, err
		}
	}

	// The manifest is written last so a failed sync never claims a version
	// it did not finish uploading.
	manifestJSON, err := json.Marshal(local)
	if err != nil {
		return uploaded, fmt.Errorf("marshal skills manifest: %w", err)
	}
	if err := s.fs.WriteFile(ctx, manifestPath, manifestJSON); err != nil {
		return uploaded, fmt.Errorf("write skills manifest: %w", err)
	}

	s.log.Info("skills synced",
		slog.Int("skills", len(skills)),
		slog.Int("files", uploaded),
		slog.String("version", local.Version),
	)
	return uploaded, nil
}

func (s *Syncer) uploadSkill(ctx context.Context, skill Skill) (int, error) {
	sem := semaphore.NewWeighted(uploadConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, file := range skill.Files {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			content, err := os.ReadFile(file.AbsPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", file.AbsPath, err)
			}
			if err := s.fs.WriteFile(gctx, path.Join(SandboxBase, file.RelPath), content); err != nil {
				return fmt.Errorf("upload %s: %w", file.RelPath, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(skill.Files), nil
}

// readRemoteManifest fetches the sandbox-resident manifest. Missing or
// corrupt manifests mean "no manifest".
func (s *Syncer) readRemoteManifest(ctx context.Context) *Manifest {
	data, err := s.fs.ReadFile(ctx, manifestPath)
	if err != nil {
		return nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil || m.Version == "" {
		return nil
	}
	return &m
}

// LoadSkillContent reads a named skill's SKILL.md from the local roots,
// later roots taking precedence. Used for dynamic skill injection into a
// turn. Returns os.ErrNotExist when no root has the skill.
func LoadSkillContent(roots []string, name string) (string, error) {
	for i := len(roots) - 1; i >= 0; i-- {
		data, err := os.ReadFile(path.Join(roots[i], name, MarkerFile))
		if err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("skill %q: %w", name, os.ErrNotExist)
}
