package sse

// EventType discriminates the frames emitted on a turn stream.
type EventType string

const (
	// EventMessageChunk carries streamed agent content (text or reasoning).
	EventMessageChunk EventType = "message_chunk"

	// EventSummarizationSignal carries lifecycle signals from the
	// context-summarization middleware. These are never content chunks.
	EventSummarizationSignal EventType = "summarization_signal"

	// EventTokenUsage is emitted after each LLM call with aggregate counts.
	EventTokenUsage EventType = "token_usage"

	// EventError is emitted when the turn fails before completing.
	EventError EventType = "error"

	// EventDone is the terminal frame of every stream.
	EventDone EventType = "done"
)

// ContentType discriminates message chunk content.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentReasoning ContentType = "reasoning"
)

// MessageChunkEvent is a streamed piece of agent output.
type MessageChunkEvent struct {
	Type        string      `json:"type"`
	ContentType ContentType `json:"content_type"`
	Text        string      `json:"text"`
}

// NewMessageChunkEvent creates a message chunk frame.
func NewMessageChunkEvent(contentType ContentType, text string) MessageChunkEvent {
	return MessageChunkEvent{
		Type:        string(EventMessageChunk),
		ContentType: contentType,
		Text:        text,
	}
}

// SummarizationSignalEvent reports start/complete/error of context summarization.
type SummarizationSignalEvent struct {
	Type          string `json:"type"`
	Signal        string `json:"signal"` // "start", "complete", "error"
	SummaryLength int    `json:"summary_length,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewSummarizationSignalEvent creates a summarization signal frame.
func NewSummarizationSignalEvent(signal string, summaryLength int, errMsg string) SummarizationSignalEvent {
	return SummarizationSignalEvent{
		Type:          string(EventSummarizationSignal),
		Signal:        signal,
		SummaryLength: summaryLength,
		Error:         errMsg,
	}
}

// TokenUsageEvent reports per-call token counts.
type TokenUsageEvent struct {
	Type         string `json:"type"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// NewTokenUsageEvent creates a token usage frame.
func NewTokenUsageEvent(input, output int64) TokenUsageEvent {
	return TokenUsageEvent{
		Type:         string(EventTokenUsage),
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}
}

// ErrorEvent reports a turn failure to the client.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewErrorEvent creates an error frame.
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{
		Type:    string(EventError),
		Code:    code,
		Message: message,
	}
}

// DoneEvent is the terminal frame carrying the persisted response identity.
type DoneEvent struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	ResponseID string `json:"response_id,omitempty"`
}

// NewDoneEvent creates a terminal done frame.
func NewDoneEvent(status, responseID string) DoneEvent {
	return DoneEvent{
		Type:       string(EventDone),
		Status:     status,
		ResponseID: responseID,
	}
}
