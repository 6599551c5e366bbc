// Package agent defines the agent graph state, the event stream it emits,
// and the LLM-backed runner that executes one turn.
package agent

import (
	"sync"
)

// Message is one conversational message in the agent state.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolResult records one tool invocation and its unwrapped output.
type ToolResult struct {
	Tool   string `json:"tool"`
	Server string `json:"server,omitempty"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// State is the agent graph state carried across a turn and snapshotted into
// the response row. It is JSON-serializable by construction.
type State struct {
	Messages     []Message      `json:"messages"`
	Observations []string       `json:"observations,omitempty"`
	Resources    []string       `json:"resources,omitempty"`
	ToolResults  []ToolResult   `json:"tool_results,omitempty"`
	MarketType   string         `json:"market_type,omitempty"`
	Plan         []string       `json:"plan,omitempty"`
	Iterations   int            `json:"iterations"`
	Retries      int            `json:"retries"`
	Flags        map[string]any `json:"flags,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := &State{
		Messages:     append([]Message(nil), s.Messages...),
		Observations: append([]string(nil), s.Observations...),
		Resources:    append([]string(nil), s.Resources...),
		ToolResults:  append([]ToolResult(nil), s.ToolResults...),
		MarketType:   s.MarketType,
		Plan:         append([]string(nil), s.Plan...),
		Iterations:   s.Iterations,
		Retries:      s.Retries,
	}
	if s.Flags != nil {
		clone.Flags = make(map[string]any, len(s.Flags))
		for k, v := range s.Flags {
			clone.Flags[k] = v
		}
	}
	return clone
}

// MergeResumed merges a previous thread's state into a fresh request state:
// accumulated observations, resources, tool results, and market type are
// preserved; plan, iteration, and retry counters reset; the request's config
// flags win; the request's messages are appended after the history.
func MergeResumed(prev, req *State) *State {
	if prev == nil {
		return req.Clone()
	}

	merged := prev.Clone()
	merged.Plan = nil
	merged.Iterations = 0
	merged.Retries = 0
	merged.Flags = nil
	if req != nil {
		if req.Flags != nil {
			merged.Flags = make(map[string]any, len(req.Flags))
			for k, v := range req.Flags {
				merged.Flags[k] = v
			}
		}
		merged.Messages = append(merged.Messages, req.Messages...)
	}
	return merged
}

// CheckpointStore keeps the last known state per thread in memory. It is the
// first rung of the resume fallback chain; the DB snapshot is the second.
type CheckpointStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{states: make(map[string]*State)}
}

// Get returns a copy of the checkpointed state for a thread.
func (c *CheckpointStore) Get(threadID string) (*State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[threadID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// Put records the state for a thread.
func (c *CheckpointStore) Put(threadID string, state *State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[threadID] = state.Clone()
}
