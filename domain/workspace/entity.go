package workspace

import (
	"time"

	"github.com/uptrace/bun"
)

// Status tracks the lifecycle state of a workspace. Transitions are owned
// exclusively by the Manager; deleted is terminal.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusDeleted  Status = "deleted"
)

// Workspace represents a row in the workspace table: the user-facing unit of
// isolation, 1:1 with a remote sandbox while running.
type Workspace struct {
	bun.BaseModel `bun:"table:workspace,alias:w"`

	WorkspaceID    string         `bun:"workspace_id,pk" json:"workspace_id"`
	UserID         string         `bun:"user_id,notnull" json:"user_id"`
	Name           string         `bun:"name,notnull" json:"name"`
	Description    *string        `bun:"description" json:"description,omitempty"`
	SandboxID      *string        `bun:"sandbox_id" json:"sandbox_id,omitempty"`
	Status         Status         `bun:"status,notnull" json:"status"`
	Config         map[string]any `bun:"config,type:jsonb" json:"config,omitempty"`
	CreatedAt      time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	LastActivityAt *time.Time     `bun:"last_activity_at" json:"last_activity_at,omitempty"`
	StoppedAt      *time.Time     `bun:"stopped_at" json:"stopped_at,omitempty"`
}

// CreateWorkspaceRequest is the body of POST /api/v1/workspaces.
type CreateWorkspaceRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// WorkspaceDTO is the API shape of a workspace.
type WorkspaceDTO struct {
	WorkspaceID    string     `json:"workspace_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Status         Status     `json:"status"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// ToDTO converts a workspace row to its API shape.
func (w *Workspace) ToDTO() *WorkspaceDTO {
	dto := &WorkspaceDTO{
		WorkspaceID:    w.WorkspaceID,
		Name:           w.Name,
		Status:         w.Status,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		LastActivityAt: w.LastActivityAt,
	}
	if w.Description != nil {
		dto.Description = *w.Description
	}
	if w.SandboxID != nil {
		dto.SandboxID = *w.SandboxID
	}
	return dto
}
