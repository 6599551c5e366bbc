package agent

// Event is one item on a turn's event stream. Exactly one of the concrete
// types below flows through the emit callback.
type Event interface {
	isEvent()
}

// MessageChunk is streamed agent content.
type MessageChunk struct {
	ContentType string // "text" or "reasoning"
	Text        string
}

// SummarizationSignal reports context-summarization lifecycle. It must never
// be rendered as a content chunk.
type SummarizationSignal struct {
	Signal        string // "start", "complete", "error"
	SummaryLength int
	Error         string
}

// TokenUsage is emitted after each LLM call.
type TokenUsage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

func (MessageChunk) isEvent()        {}
func (SummarizationSignal) isEvent() {}
func (TokenUsage) isEvent()          {}
