package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-ai/cadenza/domain/mcp"
	"github.com/cadenza-ai/cadenza/domain/sandbox"
	"github.com/cadenza-ai/cadenza/domain/skills"
	"github.com/cadenza-ai/cadenza/domain/stubgen"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// Session is the in-process runtime binding of one workspace to its live
// sandbox and MCP connectors. It is process-local, owned exclusively by the
// Manager; the turn pipeline borrows it per request.
type Session struct {
	WorkspaceID string
	Driver      *sandbox.Driver
	Registry    *mcp.Registry

	syncer *skills.Syncer
	log    *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewSession wires a session's driver, registry, and skill syncer for one
// workspace. Nothing is connected until Initialize.
func NewSession(workspaceID string, provider sandbox.Provider, cfg *config.Config, log *slog.Logger) (*Session, error) {
	servers, err := mcp.LoadServers(cfg.MCP.ServersFile)
	if err != nil {
		return nil, fmt.Errorf("load MCP servers: %w", err)
	}

	driver := sandbox.NewDriver(provider, &cfg.Sandbox, log)
	return &Session{
		WorkspaceID: workspaceID,
		Driver:      driver,
		Registry:    mcp.NewRegistry(servers, cfg.MCP.CallTimeout, log),
		syncer:      skills.NewSyncer(driver, cfg.Skills.Roots(), log),
		log:         log.With(logger.Scope("workspace.session"), slog.String("workspace_id", workspaceID)),
	}, nil
}

// Initialize brings the session live. With a sandboxID it reconnects to the
// existing sandbox; without one it provisions a fresh sandbox and installs
// tool stubs once both the sandbox and the MCP connectors are up. Sandbox
// and MCP setup run in parallel. Idempotent.
func (s *Session) Initialize(ctx context.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if sandboxID != "" {
			return s.Driver.Reconnect(gctx, sandboxID)
		}
		return s.Driver.SetupWorkspace(gctx)
	})
	g.Go(func() error {
		s.Registry.ConnectAll(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if sandboxID == "" {
		if err := s.setupToolsAndMCP(ctx); err != nil {
			return err
		}
	}

	s.initialized = true
	return nil
}

// Initialized reports whether the session is live.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// SyncSkills pushes the local skill set into the sandbox. A newly created
// sandbox always gets a full upload.
func (s *Session) SyncSkills(ctx context.Context) error {
	_, err := s.syncer.Sync(ctx, s.Driver.NewlyCreated())
	return err
}

// SkillRoots exposes the syncer's local roots for skill content injection.
func (s *Session) SkillRoots() []string {
	return s.syncer.Roots()
}

// RefreshTools regenerates and re-uploads all tool stubs. Refreshes are
// single-flight via the driver.
func (s *Session) RefreshTools(ctx context.Context) error {
	return s.Driver.RefreshTools(ctx, s.writeToolAssets)
}

// setupToolsAndMCP installs tool stubs and custom server scripts into a
// fresh sandbox.
func (s *Session) setupToolsAndMCP(ctx context.Context) error {
	if err := s.uploadCustomServerScripts(ctx); err != nil {
		return err
	}
	return s.Driver.RefreshTools(ctx, s.writeToolAssets)
}

func (s *Session) writeToolAssets(ctx context.Context) error {
	assets, err := stubgen.Generate(s.Registry.Configs(), s.Registry.GetAllTools())
	if err != nil {
		return fmt.Errorf("generate tool stubs: %w", err)
	}
	for _, asset := range assets {
		if err := s.Driver.WriteToolAsset(ctx, asset.Path, asset.Content); err != nil {
			return fmt.Errorf("upload tool asset %s: %w", asset.Path, err)
		}
	}
	s.log.Info("tool stubs uploaded", slog.Int("assets", len(assets)))
	return nil
}

// uploadCustomServerScripts ships stdio server scripts that point at local
// files, so in-sandbox stubs can launch them.
func (s *Session) uploadCustomServerScripts(ctx context.Context) error {
	for _, cfg := range s.Registry.Configs() {
		if cfg.Transport != mcp.TransportStdio {
			continue
		}
		for _, candidate := range append([]string{cfg.Command}, cfg.Args...) {
			content, err := os.ReadFile(candidate)
			if err != nil {
				continue // not a local file reference
			}
			target := path.Join("servers", cfg.Name, path.Base(candidate))
			if err := s.Driver.WriteToolAsset(ctx, target, content); err != nil {
				return fmt.Errorf("upload server script %s: %w", candidate, err)
			}
		}
	}
	return nil
}

// Stop disconnects MCP and stops the sandbox without deleting it. A later
// Initialize reconnects.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Registry.DisconnectAll()
	err := s.Driver.Stop(ctx)
	s.initialized = false
	return err
}

// Cleanup disconnects MCP and permanently deletes the sandbox.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Registry.DisconnectAll()
	err := s.Driver.Delete(ctx)
	s.initialized = false
	return err
}
