package sse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageChunkEvent(t *testing.T) {
	ev := NewMessageChunkEvent(ContentReasoning, "thinking about it")
	assert.Equal(t, "message_chunk", ev.Type)
	assert.Equal(t, ContentReasoning, ev.ContentType)
	assert.Equal(t, "thinking about it", ev.Text)
}

func TestNewTokenUsageEvent_TotalsSum(t *testing.T) {
	ev := NewTokenUsageEvent(120, 30)
	assert.Equal(t, int64(150), ev.TotalTokens)
}

func TestSummarizationSignalEvent_OmitsEmptyFields(t *testing.T) {
	ev := NewSummarizationSignalEvent("start", 0, "")
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "summarization_signal", decoded["type"])
	assert.Equal(t, "start", decoded["signal"])
	assert.NotContains(t, decoded, "summary_length")
	assert.NotContains(t, decoded, "error")
}

func TestDoneEvent_Shape(t *testing.T) {
	ev := NewDoneEvent("completed", "resp-1")
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"done","status":"completed","response_id":"resp-1"}`, string(data))
}
