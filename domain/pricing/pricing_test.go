package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func testTable() *Table {
	return &Table{Models: []ModelPricing{
		{
			ID:       "gpt-5",
			Aliases:  []string{"gpt-5-latest"},
			Provider: "openai",
			Input:    1.25, Output: 10.0,
			CachedInput: ptr(0.125),
		},
		{
			ID:       "claude-sonnet-4-5",
			Provider: "anthropic",
			Input:    3.0, Output: 15.0,
			CacheHit: ptr(0.30),
			Cache5m:  ptr(3.75),
			Cache1h:  ptr(6.0),
		},
		{
			ID:          "doubao-seed",
			Provider:    "doubao",
			PricingMode: "2d_matrix",
			Matrix: []MatrixEntry{
				{InputMax: ptr(int64(32000)), OutputMax: ptr(int64(200)), Input: 0.29, Output: 1.14, CachedInput: 0.057},
				{InputMax: ptr(int64(32000)), OutputMax: nil, Input: 0.43, Output: 2.00, CachedInput: 0.086},
				{InputMax: nil, OutputMax: nil, Input: 0.57, Output: 2.29, CachedInput: 0.11},
			},
			CacheStorage: ptr(0.017),
		},
		{
			ID:       "qwen-long",
			Provider: "alibaba",
			InputTiers: []Tier{
				{MaxTokens: ptr(int64(128000)), Rate: 0.5, CachedInput: ptr(0.1)},
				{MaxTokens: nil, Rate: 1.0},
			},
			OutputTiers: []Tier{
				{MaxTokens: ptr(int64(128000)), Rate: 2.0},
				{MaxTokens: nil, Rate: 4.0},
			},
		},
		{
			ID:                "gemini-2.5-pro",
			Provider:          "google",
			Input:             1.25,
			OutputPricingMode: "input_dependent",
			OutputTiers: []Tier{
				{MaxTokens: ptr(int64(200000)), Rate: 10.0},
				{MaxTokens: nil, Rate: 15.0},
			},
		},
	}}
}

func TestFindModelPricing(t *testing.T) {
	table := testTable()

	t.Run("exact match is case-insensitive", func(t *testing.T) {
		p := table.FindModelPricing("GPT-5", "")
		require.NotNil(t, p)
		assert.Equal(t, "gpt-5", p.ID)
	})

	t.Run("alias match", func(t *testing.T) {
		p := table.FindModelPricing("gpt-5-latest", "")
		require.NotNil(t, p)
		assert.Equal(t, "gpt-5", p.ID)
	})

	t.Run("provider restriction", func(t *testing.T) {
		assert.NotNil(t, table.FindModelPricing("gpt-5", "openai"))
		assert.Nil(t, table.FindModelPricing("gpt-5", "anthropic"))
	})

	t.Run("unknown model", func(t *testing.T) {
		assert.Nil(t, table.FindModelPricing("nope", ""))
	})
}

func TestFindModelPricing_VersionSuffixFallback(t *testing.T) {
	table := testTable()

	// A versioned name resolves to the same pricing as the base name.
	base := table.FindModelPricing("claude-sonnet-4-5", "")
	require.NotNil(t, base)

	for _, name := range []string{
		"claude-sonnet-4-5-2025-01-01",
		"claude-sonnet-4-5-20250101",
		"claude-sonnet-4-5-250101",
		"claude-sonnet-4-5-0101",
	} {
		p := table.FindModelPricing(name, "")
		require.NotNil(t, p, name)
		assert.Same(t, base, p, name)
	}

	// Alias plus version suffix also resolves.
	p := table.FindModelPricing("gpt-5-latest-20250101", "")
	require.NotNil(t, p)
	assert.Equal(t, "gpt-5", p.ID)
}

func TestComputeCost_Flat(t *testing.T) {
	table := testTable()
	p := table.FindModelPricing("gpt-5", "")

	b := ComputeCost(p, Usage{InputTokens: 1_000_000, OutputTokens: 100_000, CachedTokens: 200_000})

	assert.InDelta(t, 0.8*1.25, b.Input, 1e-9, "cached tokens excluded from regular input")
	assert.InDelta(t, 0.2*0.125, b.CachedInput, 1e-9)
	assert.InDelta(t, 0.1*10.0, b.Output, 1e-9)
	assert.InDelta(t, b.Input+b.CachedInput+b.Output, b.Total, 1e-9)
}

func TestComputeCost_2DMatrix(t *testing.T) {
	table := testTable()
	p := table.FindModelPricing("doubao-seed", "")

	tests := []struct {
		name                 string
		input, output        int64
		wantInRate, wantOutRate float64
	}{
		{"small both", 20000, 100, 0.29, 1.14},
		{"output overflows first row", 20000, 500, 0.43, 2.00},
		{"input overflows to last row", 50000, 100, 0.57, 2.29},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ComputeCost(p, Usage{InputTokens: tt.input, OutputTokens: tt.output})
			assert.InDelta(t, float64(tt.input)/1e6*tt.wantInRate, b.Input, 1e-9)
			assert.InDelta(t, float64(tt.output)/1e6*tt.wantOutRate, b.Output, 1e-9)
		})
	}
}

func TestComputeCost_Tiered(t *testing.T) {
	table := testTable()
	p := table.FindModelPricing("qwen-long", "")

	// 200k input: 128k at 0.5 + 72k at 1.0.
	b := ComputeCost(p, Usage{InputTokens: 200_000, OutputTokens: 150_000})
	assert.InDelta(t, 0.128*0.5+0.072*1.0, b.Input, 1e-9)
	assert.InDelta(t, 0.128*2.0+0.022*4.0, b.Output, 1e-9)

	// Cached tokens priced by the tier containing the input count.
	b = ComputeCost(p, Usage{InputTokens: 100_000, CachedTokens: 50_000})
	assert.InDelta(t, 0.05*0.1, b.CachedInput, 1e-9)
}

func TestComputeCost_InputDependentOutput(t *testing.T) {
	table := testTable()
	p := table.FindModelPricing("gemini-2.5-pro", "")

	// Input below the tier bound: all output at 10.0 regardless of volume.
	b := ComputeCost(p, Usage{InputTokens: 100_000, OutputTokens: 300_000})
	assert.InDelta(t, 0.3*10.0, b.Output, 1e-9)

	// Input above the bound: all output at 15.0.
	b = ComputeCost(p, Usage{InputTokens: 250_000, OutputTokens: 10_000})
	assert.InDelta(t, 0.01*15.0, b.Output, 1e-9)
}

func TestComputeCost_AnthropicCacheCreation(t *testing.T) {
	table := testTable()
	p := table.FindModelPricing("claude-sonnet-4-5", "")

	b := ComputeCost(p, Usage{
		InputTokens:   100_000,
		OutputTokens:  5_000,
		CachedTokens:  60_000,
		Cache5mTokens: 10_000,
		Cache1hTokens: 2_000,
	})

	assert.InDelta(t, 0.04*3.0, b.Input, 1e-9)
	assert.InDelta(t, 0.06*0.30, b.CachedInput, 1e-9, "cache_hit rate wins")
	assert.InDelta(t, 0.01*3.75, b.Cache5mCreation, 1e-9)
	assert.InDelta(t, 0.002*6.0, b.Cache1hCreation, 1e-9)
}

func TestComputeCost_CacheStorage(t *testing.T) {
	table := testTable()
	p := table.FindModelPricing("doubao-seed", "")

	b := ComputeCost(p, Usage{InputTokens: 1000, OutputTokens: 100, CacheStorage: 1_000_000})
	assert.InDelta(t, 0.017, b.CacheStorage, 1e-9)
}
