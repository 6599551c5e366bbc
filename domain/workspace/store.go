package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Store handles workspace persistence.
type Store struct {
	db bun.IDB
}

// NewStore creates a workspace store.
func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// Create inserts a new workspace row.
func (s *Store) Create(ctx context.Context, ws *Workspace) error {
	_, err := s.db.NewInsert().Model(ws).Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetByID fetches one workspace, or nil when it does not exist.
func (s *Store) GetByID(ctx context.Context, workspaceID string) (*Workspace, error) {
	ws := new(Workspace)
	err := s.db.NewSelect().Model(ws).
		Where("w.workspace_id = ?", workspaceID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select workspace: %w", err)
	}
	return ws, nil
}

// ListByUser returns all non-deleted workspaces owned by a user, newest
// first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Workspace, error) {
	var list []*Workspace
	err := s.db.NewSelect().Model(&list).
		Where("w.user_id = ?", userID).
		Where("w.status != ?", StatusDeleted).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return list, nil
}

// ListIdleRunning returns running workspaces whose last activity predates
// the cutoff. Rows with no recorded activity fall back to created_at.
func (s *Store) ListIdleRunning(ctx context.Context, cutoff time.Time) ([]*Workspace, error) {
	var list []*Workspace
	err := s.db.NewSelect().Model(&list).
		Where("w.status = ?", StatusRunning).
		Where("COALESCE(w.last_activity_at, w.created_at) < ?", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list idle workspaces: %w", err)
	}
	return list, nil
}

// UpdateStatus sets the workspace status and bumps updated_at.
func (s *Store) UpdateStatus(ctx context.Context, workspaceID string, status Status) error {
	q := s.db.NewUpdate().Model((*Workspace)(nil)).
		Set("status = ?", status).
		Set("updated_at = now()").
		Where("workspace_id = ?", workspaceID)
	if status == StatusStopped {
		q = q.Set("stopped_at = now()")
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("update workspace status: %w", err)
	}
	return nil
}

// SetSandboxID records the sandbox binding. Set once when the workspace
// first becomes running.
func (s *Store) SetSandboxID(ctx context.Context, workspaceID, sandboxID string) error {
	_, err := s.db.NewUpdate().Model((*Workspace)(nil)).
		Set("sandbox_id = ?", sandboxID).
		Set("updated_at = now()").
		Where("workspace_id = ?", workspaceID).
		Where("sandbox_id IS NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set sandbox id: %w", err)
	}
	return nil
}

// TouchActivity records request activity for idle-eviction accounting.
func (s *Store) TouchActivity(ctx context.Context, workspaceID string) error {
	_, err := s.db.NewUpdate().Model((*Workspace)(nil)).
		Set("last_activity_at = now()").
		Where("workspace_id = ?", workspaceID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch workspace activity: %w", err)
	}
	return nil
}

// SoftDelete marks a workspace deleted. The row survives for audit.
func (s *Store) SoftDelete(ctx context.Context, workspaceID string) error {
	return s.UpdateStatus(ctx, workspaceID, StatusDeleted)
}
