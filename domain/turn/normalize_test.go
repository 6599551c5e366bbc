package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		wantText string
		wantKind ContentKind
		wantOK   bool
	}{
		{
			name:     "plain string",
			in:       "hello",
			wantText: "hello",
			wantKind: KindText,
			wantOK:   true,
		},
		{
			name:   "empty string",
			in:     "",
			wantOK: false,
		},
		{
			name:     "thinking block",
			in:       map[string]any{"type": "thinking", "thinking": "let me see"},
			wantText: "let me see",
			wantKind: KindReasoning,
			wantOK:   true,
		},
		{
			name:   "thinking block without content",
			in:     map[string]any{"type": "thinking"},
			wantOK: false,
		},
		{
			name: "reasoning summary",
			in: map[string]any{
				"type": "reasoning",
				"summary": []any{
					map[string]any{"text": "first "},
					map[string]any{"text": "second"},
				},
			},
			wantText: "first second",
			wantKind: KindReasoning,
			wantOK:   true,
		},
		{
			name:   "reasoning status signal",
			in:     map[string]any{"type": "reasoning", "status": "in_progress"},
			wantOK: false,
		},
		{
			name:   "reasoning completed status signal",
			in:     map[string]any{"type": "reasoning", "status": "completed"},
			wantOK: false,
		},
		{
			name:     "text field",
			in:       map[string]any{"text": "payload"},
			wantText: "payload",
			wantKind: KindText,
			wantOK:   true,
		},
		{
			name:   "metadata only",
			in:     map[string]any{"id": "msg_1", "index": 3},
			wantOK: false,
		},
		{
			name: "list of text",
			in: []any{
				map[string]any{"text": "a"},
				"b",
			},
			wantText: "ab",
			wantKind: KindText,
			wantOK:   true,
		},
		{
			name: "reasoning anywhere flips list kind",
			in: []any{
				map[string]any{"text": "a"},
				map[string]any{"type": "thinking", "thinking": "hmm"},
			},
			wantText: "ahmm",
			wantKind: KindReasoning,
			wantOK:   true,
		},
		{
			name: "list with only status signals",
			in: []any{
				map[string]any{"type": "reasoning", "status": "in_progress"},
			},
			wantOK: false,
		},
		{
			name:   "unsupported type",
			in:     42,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, kind, ok := Normalize(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantText, text)
				assert.Equal(t, tt.wantKind, kind)
			}
		})
	}
}
