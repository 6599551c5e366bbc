// Package turn implements the streaming chat pipeline: thread and query/
// response persistence, resume-state restoration, content normalization, and
// the SSE endpoint.
package turn

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/cadenza-ai/cadenza/pkg/agent"
)

// Status is the lifecycle status of a thread or response.
type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
)

// Thread is a conversation thread within a workspace. thread_index is dense
// per workspace: 0, 1, ..., n-1.
type Thread struct {
	bun.BaseModel `bun:"table:conversation_thread,alias:t"`

	ThreadID      string    `bun:"thread_id,pk" json:"thread_id"`
	WorkspaceID   string    `bun:"workspace_id,notnull" json:"workspace_id"`
	ThreadIndex   int       `bun:"thread_index,notnull" json:"thread_index"`
	CurrentStatus Status    `bun:"current_status,notnull" json:"current_status"`
	MsgType       *string   `bun:"msg_type" json:"msg_type,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Query is one user query in a thread. pair_index is dense per thread and
// pairs the query with its response.
type Query struct {
	bun.BaseModel `bun:"table:conversation_query,alias:q"`

	ThreadID       string         `bun:"thread_id,pk" json:"thread_id"`
	PairIndex      int            `bun:"pair_index,pk" json:"pair_index"`
	QueryID        string         `bun:"query_id,notnull" json:"query_id"`
	Content        string         `bun:"content,notnull" json:"content"`
	Type           string         `bun:"type,notnull,default:'initial'" json:"type"`
	FeedbackAction *string        `bun:"feedback_action" json:"feedback_action,omitempty"`
	Metadata       map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	Timestamp      time.Time      `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
}

// Response is the persisted outcome of one turn, keyed like its query.
type Response struct {
	bun.BaseModel `bun:"table:conversation_response,alias:r"`

	ThreadID        string          `bun:"thread_id,pk" json:"thread_id"`
	PairIndex       int             `bun:"pair_index,pk" json:"pair_index"`
	ResponseID      string          `bun:"response_id,notnull" json:"response_id"`
	Status          Status          `bun:"status,notnull" json:"status"`
	InterruptReason *string         `bun:"interrupt_reason" json:"interrupt_reason,omitempty"`
	AgentMessages   []agent.Message `bun:"agent_messages,type:jsonb" json:"agent_messages,omitempty"`
	Metadata        map[string]any  `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	StateSnapshot   *agent.State    `bun:"state_snapshot,type:jsonb" json:"state_snapshot,omitempty"`
	Warnings        []string        `bun:"warnings,type:jsonb" json:"warnings,omitempty"`
	Errors          []string        `bun:"errors,type:jsonb" json:"errors,omitempty"`
	ExecutionTime   float64         `bun:"execution_time,notnull" json:"execution_time"`
	StreamingChunks []any           `bun:"streaming_chunks,type:jsonb" json:"streaming_chunks,omitempty"`
	Timestamp       time.Time       `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
}

// File tracks a sandbox file the agent created or edited. The table exists
// and is modeled, but nothing writes it yet: file mutations happen inside
// the sandbox through the driver, and no pipeline step mirrors them here.
type File struct {
	bun.BaseModel `bun:"table:file,alias:f"`

	FileID             string    `bun:"file_id,pk" json:"file_id"`
	FilesystemID       string    `bun:"filesystem_id,notnull" json:"filesystem_id"`
	FilePath           string    `bun:"file_path,notnull" json:"file_path"`
	Content            *string   `bun:"content" json:"content,omitempty"`
	LineCount          *int      `bun:"line_count" json:"line_count,omitempty"`
	CreatedInThreadID  *string   `bun:"created_in_thread_id" json:"created_in_thread_id,omitempty"`
	CreatedInPairIndex *int      `bun:"created_in_pair_index" json:"created_in_pair_index,omitempty"`
	UpdatedInThreadID  *string   `bun:"updated_in_thread_id" json:"updated_in_thread_id,omitempty"`
	UpdatedInPairIndex *int      `bun:"updated_in_pair_index" json:"updated_in_pair_index,omitempty"`
	CreatedAt          time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt          time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// FileOperation is one recorded mutation of a tracked file. Write-pending,
// like File.
type FileOperation struct {
	bun.BaseModel `bun:"table:file_operation,alias:fo"`

	OperationID    string    `bun:"operation_id,pk" json:"operation_id"`
	FileID         string    `bun:"file_id,notnull" json:"file_id"`
	ThreadID       string    `bun:"thread_id,notnull" json:"thread_id"`
	PairIndex      int       `bun:"pair_index,notnull" json:"pair_index"`
	Agent          *string   `bun:"agent" json:"agent,omitempty"`
	OperationIndex int       `bun:"operation_index,notnull" json:"operation_index"`
	Operation      string    `bun:"operation,notnull" json:"operation"`
	OldString      *string   `bun:"old_string" json:"old_string,omitempty"`
	NewString      *string   `bun:"new_string" json:"new_string,omitempty"`
	Timestamp      time.Time `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
}
