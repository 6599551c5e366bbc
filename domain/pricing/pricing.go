// Package pricing computes LLM call costs from a declarative pricing table
// and aggregates per-call token usage.
package pricing

import (
	"regexp"
	"strings"
)

// Usage is a normalized per-call token usage record. Cached tokens are a
// subset of input tokens; cache creation and storage tokens are billed
// separately.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CachedTokens    int64 `json:"cached_tokens,omitempty"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	Cache5mTokens   int64 `json:"cache_5m_tokens,omitempty"`
	Cache1hTokens   int64 `json:"cache_1h_tokens,omitempty"`
	CacheStorage    int64 `json:"cache_storage_tokens,omitempty"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedTokens += other.CachedTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.Cache5mTokens += other.Cache5mTokens
	u.Cache1hTokens += other.Cache1hTokens
	u.CacheStorage += other.CacheStorage
}

// Tier is one cumulative pricing tier. MaxTokens nil means unbounded.
// Rates are USD per 1M tokens.
type Tier struct {
	MaxTokens   *int64   `json:"max_tokens"`
	Rate        float64  `json:"rate"`
	CachedInput *float64 `json:"cached_input,omitempty"`
}

// MatrixEntry is one cell of a 2D pricing matrix. Nil bounds mean unbounded.
type MatrixEntry struct {
	InputMax    *int64  `json:"input_max"`
	OutputMax   *int64  `json:"output_max"`
	Input       float64 `json:"input"`
	Output      float64 `json:"output"`
	CachedInput float64 `json:"cached_input"`
}

// ModelPricing describes how one model is billed. All rates are USD per 1M
// tokens. Exactly one of the modes applies:
//   - flat: Input/Output (+ optional CachedInput)
//   - tiered: InputTiers/OutputTiers with cumulative thresholds
//   - input-dependent output: OutputPricingMode = "input_dependent"
//   - 2D matrix: PricingMode = "2d_matrix" with Matrix
type ModelPricing struct {
	ID       string   `json:"id"`
	Aliases  []string `json:"aliases,omitempty"`
	Provider string   `json:"provider,omitempty"`

	PricingMode       string `json:"pricing_mode,omitempty"`
	OutputPricingMode string `json:"output_pricing_mode,omitempty"`

	Input       float64  `json:"input,omitempty"`
	Output      float64  `json:"output,omitempty"`
	CachedInput *float64 `json:"cached_input,omitempty"`

	CacheHit     *float64 `json:"cache_hit,omitempty"`
	Cache5m      *float64 `json:"cache_5m,omitempty"`
	Cache1h      *float64 `json:"cache_1h,omitempty"`
	CacheStorage *float64 `json:"cache_storage,omitempty"`

	InputTiers  []Tier        `json:"input_tiers,omitempty"`
	OutputTiers []Tier        `json:"output_tiers,omitempty"`
	Matrix      []MatrixEntry `json:"matrix,omitempty"`
}

// Table is the full pricing catalog.
type Table struct {
	Models []ModelPricing `json:"models"`
}

// versionSuffixes match trailing model version stamps: -YYYY-MM-DD, -MMDD,
// -YYMMDD, -YYYYMMDD.
var versionSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`),
	regexp.MustCompile(`-\d{8}$`),
	regexp.MustCompile(`-\d{6}$`),
	regexp.MustCompile(`-\d{4}$`),
}

// FindModelPricing looks up pricing by model name: case-insensitive exact id
// match, then alias match, then one retry with the version suffix stripped.
// provider, when non-empty, restricts the search.
func (t *Table) FindModelPricing(name, provider string) *ModelPricing {
	if p := t.lookup(name, provider); p != nil {
		return p
	}

	for _, pattern := range versionSuffixes {
		if pattern.MatchString(name) {
			base := pattern.ReplaceAllString(name, "")
			return t.lookup(base, provider)
		}
	}
	return nil
}

func (t *Table) lookup(name, provider string) *ModelPricing {
	lower := strings.ToLower(name)

	for i := range t.Models {
		m := &t.Models[i]
		if provider != "" && !strings.EqualFold(m.Provider, provider) {
			continue
		}
		if strings.ToLower(m.ID) == lower {
			return m
		}
	}
	for i := range t.Models {
		m := &t.Models[i]
		if provider != "" && !strings.EqualFold(m.Provider, provider) {
			continue
		}
		for _, alias := range m.Aliases {
			if strings.ToLower(alias) == lower {
				return m
			}
		}
	}
	return nil
}

// CostBreakdown itemizes the cost of one usage record in USD.
type CostBreakdown struct {
	Input           float64 `json:"input"`
	CachedInput     float64 `json:"cached_input,omitempty"`
	CacheStorage    float64 `json:"cache_storage,omitempty"`
	Cache5mCreation float64 `json:"cache_5m_creation,omitempty"`
	Cache1hCreation float64 `json:"cache_1h_creation,omitempty"`
	Output          float64 `json:"output"`
	Total           float64 `json:"total"`
}

const perMillion = 1_000_000

// ComputeCost prices one usage record against a model's pricing.
func ComputeCost(p *ModelPricing, usage Usage) *CostBreakdown {
	b := &CostBreakdown{}

	regularInput := usage.InputTokens - usage.CachedTokens
	if regularInput < 0 {
		regularInput = 0
	}

	switch {
	case p.PricingMode == "2d_matrix":
		entry := matchMatrix(p.Matrix, usage.InputTokens, usage.OutputTokens)
		if entry != nil {
			b.Input = float64(regularInput) / perMillion * entry.Input
			b.Output = float64(usage.OutputTokens) / perMillion * entry.Output
			if usage.CachedTokens > 0 {
				b.CachedInput = float64(usage.CachedTokens) / perMillion * entry.CachedInput
			}
		}

	case p.OutputPricingMode == "input_dependent":
		b.Input = tieredCost(p.InputTiers, regularInput, p.Input)
		// The tier containing the input count prices all output tokens.
		if tier := containingTier(p.OutputTiers, usage.InputTokens); tier != nil {
			b.Output = float64(usage.OutputTokens) / perMillion * tier.Rate
		} else {
			b.Output = float64(usage.OutputTokens) / perMillion * p.Output
		}
		b.CachedInput = cachedInputCost(p, usage.CachedTokens, usage.InputTokens)

	case len(p.InputTiers) > 0 || len(p.OutputTiers) > 0:
		b.Input = tieredCost(p.InputTiers, regularInput, p.Input)
		b.Output = tieredCost(p.OutputTiers, usage.OutputTokens, p.Output)
		b.CachedInput = cachedInputCost(p, usage.CachedTokens, usage.InputTokens)

	default:
		b.Input = float64(regularInput) / perMillion * p.Input
		b.Output = float64(usage.OutputTokens) / perMillion * p.Output
		b.CachedInput = cachedInputCost(p, usage.CachedTokens, usage.InputTokens)
	}

	if usage.Cache5mTokens > 0 && p.Cache5m != nil {
		b.Cache5mCreation = float64(usage.Cache5mTokens) / perMillion * *p.Cache5m
	}
	if usage.Cache1hTokens > 0 && p.Cache1h != nil {
		b.Cache1hCreation = float64(usage.Cache1hTokens) / perMillion * *p.Cache1h
	}
	if usage.CacheStorage > 0 && p.CacheStorage != nil {
		b.CacheStorage = float64(usage.CacheStorage) / perMillion * *p.CacheStorage
	}

	b.Total = b.Input + b.CachedInput + b.CacheStorage + b.Cache5mCreation + b.Cache1hCreation + b.Output
	return b
}

// cachedInputCost prices cache-read tokens: cache_hit rate first, then the
// pricing-level cached_input, then the cached_input of the tier containing
// the input count. With none present, cached tokens bill at the regular
// input rate.
func cachedInputCost(p *ModelPricing, cached, inputTokens int64) float64 {
	if cached <= 0 {
		return 0
	}
	switch {
	case p.CacheHit != nil:
		return float64(cached) / perMillion * *p.CacheHit
	case p.CachedInput != nil:
		return float64(cached) / perMillion * *p.CachedInput
	default:
		if tier := containingTier(p.InputTiers, inputTokens); tier != nil && tier.CachedInput != nil {
			return float64(cached) / perMillion * *tier.CachedInput
		}
	}
	return float64(cached) / perMillion * p.Input
}

// tieredCost applies the standard cumulative-threshold algorithm. With no
// tiers it falls back to the flat rate.
func tieredCost(tiers []Tier, tokens int64, flatRate float64) float64 {
	if len(tiers) == 0 {
		return float64(tokens) / perMillion * flatRate
	}

	cost := 0.0
	var previous int64
	remaining := tokens

	for _, tier := range tiers {
		if remaining <= 0 {
			break
		}
		span := remaining
		if tier.MaxTokens != nil {
			width := *tier.MaxTokens - previous
			if width < span {
				span = width
			}
			previous = *tier.MaxTokens
		}
		if span <= 0 {
			continue
		}
		cost += float64(span) / perMillion * tier.Rate
		remaining -= span
	}
	return cost
}

// containingTier returns the single tier whose threshold contains tokens.
func containingTier(tiers []Tier, tokens int64) *Tier {
	for i := range tiers {
		if tiers[i].MaxTokens == nil || tokens <= *tiers[i].MaxTokens {
			return &tiers[i]
		}
	}
	return nil
}

// matchMatrix picks the first entry whose bounds are both satisfied.
func matchMatrix(matrix []MatrixEntry, input, output int64) *MatrixEntry {
	for i := range matrix {
		entry := &matrix[i]
		if entry.InputMax != nil && input > *entry.InputMax {
			continue
		}
		if entry.OutputMax != nil && output > *entry.OutputMax {
			continue
		}
		return entry
	}
	return nil
}
