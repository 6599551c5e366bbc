package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/domain/sandbox"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/apperror"
	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// Storage is the persistence surface the manager needs. *Store implements
// it over Postgres.
type Storage interface {
	Create(ctx context.Context, ws *Workspace) error
	GetByID(ctx context.Context, workspaceID string) (*Workspace, error)
	ListByUser(ctx context.Context, userID string) ([]*Workspace, error)
	ListIdleRunning(ctx context.Context, cutoff time.Time) ([]*Workspace, error)
	UpdateStatus(ctx context.Context, workspaceID string, status Status) error
	SetSandboxID(ctx context.Context, workspaceID, sandboxID string) error
	TouchActivity(ctx context.Context, workspaceID string) error
	SoftDelete(ctx context.Context, workspaceID string) error
}

// Manager is the process-wide owner of workspace lifecycle: the FSM over
// workspace status, the Session cache, and asset-sync bookkeeping. A single
// mutex guards FSM transitions and cache mutations; read-only listing does
// not take it.
type Manager struct {
	store    Storage
	provider sandbox.Provider
	cfg      *config.Config
	log      *slog.Logger

	mu             sync.Mutex
	sessions       map[string]*Session
	userDataSynced map[string]bool

	// newSession is swappable for tests.
	newSession func(workspaceID string) (*Session, error)
}

// NewManager creates the workspace manager.
func NewManager(store Storage, provider sandbox.Provider, cfg *config.Config, log *slog.Logger) *Manager {
	m := &Manager{
		store:          store,
		provider:       provider,
		cfg:            cfg,
		log:            log.With(logger.Scope("workspace.manager")),
		sessions:       make(map[string]*Session),
		userDataSynced: make(map[string]bool),
	}
	m.newSession = func(workspaceID string) (*Session, error) {
		return NewSession(workspaceID, provider, cfg, log)
	}
	return m
}

// Create provisions a new workspace: row inserted as creating, session
// initialized against a fresh sandbox, assets synced, then status running.
// Any initialization failure leaves the workspace in error.
func (m *Manager) Create(ctx context.Context, userID string, req *CreateWorkspaceRequest) (*Workspace, error) {
	if req.Name == "" {
		return nil, apperror.ErrValidation.WithMessage("name is required")
	}

	ws := &Workspace{
		WorkspaceID: uuid.NewString(),
		UserID:      userID,
		Name:        req.Name,
		Status:      StatusCreating,
		Config:      req.Config,
	}
	if req.Description != "" {
		ws.Description = &req.Description
	}
	if err := m.store.Create(ctx, ws); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.initializeSession(ctx, ws.WorkspaceID, "")
	if err != nil {
		m.failWorkspace(ctx, ws.WorkspaceID, err)
		return nil, apperror.ErrSandboxUnavailable.WithInternal(err)
	}

	sandboxID := session.Driver.SandboxID()
	if err := m.store.SetSandboxID(ctx, ws.WorkspaceID, sandboxID); err != nil {
		m.failWorkspace(ctx, ws.WorkspaceID, err)
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if err := m.store.UpdateStatus(ctx, ws.WorkspaceID, StatusRunning); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	m.sessions[ws.WorkspaceID] = session
	m.userDataSynced[ws.WorkspaceID] = true

	ws.Status = StatusRunning
	ws.SandboxID = &sandboxID
	m.log.Info("workspace created",
		slog.String("workspace_id", ws.WorkspaceID),
		slog.String("sandbox_id", sandboxID),
	)
	return ws, nil
}

// GetSessionForWorkspace is the single session entry point used by the turn
// pipeline. Running workspaces hit the cache (or reconnect after a process
// restart); stopped workspaces are restarted on their persisted sandbox.
// Deleted/error workspaces are rejected with distinct error kinds, and
// creating/stopping as busy.
func (m *Manager) GetSessionForWorkspace(ctx context.Context, workspaceID, userID string) (*Session, error) {
	ws, err := m.store.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if ws == nil {
		return nil, apperror.ErrWorkspaceNotFound
	}
	if userID != "" && ws.UserID != userID {
		return nil, apperror.ErrForbidden
	}

	switch ws.Status {
	case StatusDeleted:
		return nil, apperror.ErrWorkspaceDeleted
	case StatusError:
		return nil, apperror.ErrWorkspaceErrored
	case StatusCreating, StatusStopping:
		return nil, apperror.ErrWorkspaceBusy
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[workspaceID]; ok {
		if err := m.store.TouchActivity(ctx, workspaceID); err != nil {
			m.log.Warn("failed to touch workspace activity", logger.Error(err))
		}
		if !m.userDataSynced[workspaceID] {
			if err := session.SyncSkills(ctx); err != nil {
				m.log.Warn("user data sync failed", logger.Error(err))
			} else {
				m.userDataSynced[workspaceID] = true
			}
		}
		return session, nil
	}

	// Stopped workspace, or running in DB after a process restart: both
	// reconnect to the persisted sandbox.
	if ws.SandboxID == nil || *ws.SandboxID == "" {
		return nil, apperror.ErrSandboxUnavailable.WithMessage("workspace has no sandbox binding")
	}

	session, err := m.initializeSession(ctx, workspaceID, *ws.SandboxID)
	if err != nil {
		m.failWorkspace(ctx, workspaceID, err)
		return nil, apperror.ErrSandboxUnavailable.WithInternal(err)
	}
	if err := session.SyncSkills(ctx); err != nil {
		m.log.Warn("skill sync on restart failed", logger.Error(err))
	}

	if ws.Status == StatusStopped {
		if err := m.store.UpdateStatus(ctx, workspaceID, StatusRunning); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
	}
	if err := m.store.TouchActivity(ctx, workspaceID); err != nil {
		m.log.Warn("failed to touch workspace activity", logger.Error(err))
	}

	m.sessions[workspaceID] = session
	m.userDataSynced[workspaceID] = true
	m.log.Info("workspace session restored", slog.String("workspace_id", workspaceID))
	return session, nil
}

// Stop stops a running workspace's sandbox without deleting it.
func (m *Manager) Stop(ctx context.Context, workspaceID, userID string) error {
	ws, err := m.ownedWorkspace(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if ws.Status != StatusRunning {
		return apperror.ErrWorkspaceBusy.WithMessage(fmt.Sprintf("workspace is %s", ws.Status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.UpdateStatus(ctx, workspaceID, StatusStopping); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	if session, ok := m.sessions[workspaceID]; ok {
		if err := session.Stop(ctx); err != nil {
			m.log.Warn("session stop failed", slog.String("workspace_id", workspaceID), logger.Error(err))
		}
		delete(m.sessions, workspaceID)
	}
	delete(m.userDataSynced, workspaceID)

	if err := m.store.UpdateStatus(ctx, workspaceID, StatusStopped); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	m.log.Info("workspace stopped", slog.String("workspace_id", workspaceID))
	return nil
}

// Delete permanently removes a workspace: the sandbox is deleted and the
// row soft-deleted. Deleted is terminal.
func (m *Manager) Delete(ctx context.Context, workspaceID, userID string) error {
	ws, err := m.ownedWorkspace(ctx, workspaceID, userID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[workspaceID]
	if !ok && ws.SandboxID != nil && *ws.SandboxID != "" {
		// No live session: delete the sandbox directly.
		if err := m.provider.DeleteSandbox(ctx, *ws.SandboxID); err != nil {
			m.log.Warn("sandbox delete failed",
				slog.String("workspace_id", workspaceID), logger.Error(err))
		}
	}
	if ok {
		if err := session.Cleanup(ctx); err != nil {
			m.log.Warn("session cleanup failed",
				slog.String("workspace_id", workspaceID), logger.Error(err))
		}
		delete(m.sessions, workspaceID)
	}
	delete(m.userDataSynced, workspaceID)

	if err := m.store.SoftDelete(ctx, workspaceID); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	m.log.Info("workspace deleted", slog.String("workspace_id", workspaceID))
	return nil
}

// List returns a user's workspaces. Read-only: no FSM lock.
func (m *Manager) List(ctx context.Context, userID string) ([]*Workspace, error) {
	list, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return list, nil
}

// Get returns one owned workspace.
func (m *Manager) Get(ctx context.Context, workspaceID, userID string) (*Workspace, error) {
	return m.ownedWorkspace(ctx, workspaceID, userID)
}

// StopIdle stops every running workspace idle since before the cutoff and
// returns how many were stopped. Called by the eviction worker.
func (m *Manager) StopIdle(ctx context.Context, idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)
	idle, err := m.store.ListIdleRunning(ctx, cutoff)
	if err != nil {
		m.log.Error("failed to list idle workspaces", logger.Error(err))
		return 0
	}

	stopped := 0
	for _, ws := range idle {
		if err := m.Stop(ctx, ws.WorkspaceID, ws.UserID); err != nil {
			m.log.Error("failed to stop idle workspace",
				slog.String("workspace_id", ws.WorkspaceID), logger.Error(err))
			continue
		}
		stopped++
	}
	if stopped > 0 {
		m.log.Info("idle workspaces evicted", slog.Int("stopped", stopped))
	}
	return stopped
}

// Shutdown drops the session cache without stopping sessions: workspaces
// stay running in the DB and eviction resumes on next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	m.userDataSynced = make(map[string]bool)
}

// CachedSession reports whether a session is live in this process.
func (m *Manager) CachedSession(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[workspaceID]
	return ok
}

func (m *Manager) initializeSession(ctx context.Context, workspaceID, sandboxID string) (*Session, error) {
	session, err := m.newSession(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := session.Initialize(ctx, sandboxID); err != nil {
		return nil, err
	}
	if sandboxID == "" {
		if err := session.SyncSkills(ctx); err != nil {
			return nil, fmt.Errorf("sync skills: %w", err)
		}
	}
	return session, nil
}

// failWorkspace marks a workspace as errored. Error is terminal for
// automatic recovery: only explicit deletion clears it.
func (m *Manager) failWorkspace(ctx context.Context, workspaceID string, cause error) {
	m.log.Error("workspace initialization failed",
		slog.String("workspace_id", workspaceID), logger.Error(cause))
	if err := m.store.UpdateStatus(ctx, workspaceID, StatusError); err != nil {
		m.log.Error("failed to mark workspace errored", logger.Error(err))
	}
}

func (m *Manager) ownedWorkspace(ctx context.Context, workspaceID, userID string) (*Workspace, error) {
	ws, err := m.store.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if ws == nil || ws.Status == StatusDeleted {
		return nil, apperror.ErrWorkspaceNotFound
	}
	if userID != "" && ws.UserID != userID {
		return nil, apperror.ErrForbidden
	}
	return ws, nil
}
