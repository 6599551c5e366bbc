package pricing

import (
	"encoding/json"
	"sync"
	"time"
)

// Record is one LLM call's usage as captured by the tracker.
type Record struct {
	ModelName   string    `json:"model_name"`
	Usage       Usage     `json:"usage"`
	RunID       string    `json:"run_id"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TokenTracker accumulates per-call usage records and a per-model aggregate.
// Safe for concurrent use.
type TokenTracker struct {
	mu        sync.Mutex
	records   []Record
	aggregate map[string]Usage
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{aggregate: make(map[string]Usage)}
}

// Track records one LLM call.
func (t *TokenTracker) Track(model string, usage Usage, runID, parentRunID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, Record{
		ModelName:   model,
		Usage:       usage,
		RunID:       runID,
		ParentRunID: parentRunID,
		Timestamp:   time.Now(),
	})

	sum := t.aggregate[model]
	sum.Add(usage)
	t.aggregate[model] = sum
}

// Records returns a copy of the per-call records in arrival order.
func (t *TokenTracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...)
}

// Aggregate returns a copy of the per-model usage sums.
func (t *TokenTracker) Aggregate() map[string]Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Usage, len(t.aggregate))
	for model, usage := range t.aggregate {
		out[model] = usage
	}
	return out
}

// Total returns the usage summed across all models.
func (t *TokenTracker) Total() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total Usage
	for _, usage := range t.aggregate {
		total.Add(usage)
	}
	return total
}

// ExtractUsage normalizes the provider-specific usage shapes found in LLM
// response metadata:
//   - OpenAI usage_metadata with input_token_details/output_token_details
//   - OpenAI response_metadata.token_usage with prompt_tokens_details
//   - Anthropic response_metadata.usage with cache_read_input_tokens and
//     cache_creation ephemeral buckets
func ExtractUsage(meta map[string]any) (Usage, bool) {
	if meta == nil {
		return Usage{}, false
	}

	if um, ok := meta["usage_metadata"].(map[string]any); ok {
		u := Usage{
			InputTokens:  asInt64(um["input_tokens"]),
			OutputTokens: asInt64(um["output_tokens"]),
		}
		if details, ok := um["input_token_details"].(map[string]any); ok {
			u.CachedTokens = asInt64(details["cache_read"])
		}
		if details, ok := um["output_token_details"].(map[string]any); ok {
			u.ReasoningTokens = asInt64(details["reasoning"])
		}
		return u, true
	}

	rm, _ := meta["response_metadata"].(map[string]any)
	if rm == nil {
		rm = meta
	}

	if tu, ok := rm["token_usage"].(map[string]any); ok {
		u := Usage{
			InputTokens:  asInt64(tu["prompt_tokens"]),
			OutputTokens: asInt64(tu["completion_tokens"]),
		}
		if details, ok := tu["prompt_tokens_details"].(map[string]any); ok {
			u.CachedTokens = asInt64(details["cached_tokens"])
		}
		if details, ok := tu["completion_tokens_details"].(map[string]any); ok {
			u.ReasoningTokens = asInt64(details["reasoning_tokens"])
		}
		return u, true
	}

	if au, ok := rm["usage"].(map[string]any); ok {
		u := Usage{
			InputTokens:  asInt64(au["input_tokens"]),
			OutputTokens: asInt64(au["output_tokens"]),
			CachedTokens: asInt64(au["cache_read_input_tokens"]),
		}
		if creation, ok := au["cache_creation"].(map[string]any); ok {
			u.Cache5mTokens = asInt64(creation["ephemeral_5m_input_tokens"])
			u.Cache1hTokens = asInt64(creation["ephemeral_1h_input_tokens"])
		}
		// Anthropic reports cached reads separately from input_tokens;
		// fold them in so input always covers the full prompt.
		u.InputTokens += u.CachedTokens
		return u, true
	}

	return Usage{}, false
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
