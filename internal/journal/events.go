package journal

import (
	"encoding/json"
	"strconv"
)

// Event kinds that appear in the journal.
const (
	EventMessageStart = "message_start"
	EventContentBlock = "content_block"
	EventMessageEnd   = "message_end"
	EventSessionMeta  = "session_meta"

	// Framing-only kinds: emitted on the SSE stream, never persisted.
	EventHistoryStart = "history_start"
	EventHistoryEnd   = "history_end"
	EventHeartbeat    = "heartbeat"
)

// Stop reasons for message_end.
const (
	StopEndTurn   = "end_turn"
	StopError     = "error"
	StopCancelled = "cancelled"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one journal line. The cursor is encoded as a string so clients
// can echo it back verbatim in the Last-Event-ID header.
type Record struct {
	Cursor string          `json:"cursor"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// CursorInt returns the record's cursor as an integer, or 0 if malformed.
func (r Record) CursorInt() int64 {
	n, err := strconv.ParseInt(r.Cursor, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseRecord decodes one journal line. Malformed lines (torn tails,
// partial writes) report ok=false and are skipped by readers.
func ParseRecord(line []byte) (Record, bool) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, false
	}
	if rec.Event == "" || rec.CursorInt() <= 0 {
		return Record{}, false
	}
	return rec, true
}

// MessageStart opens a message of either role.
type MessageStart struct {
	ID         string `json:"id"`
	LineNumber int64  `json:"lineNumber"`
	Role       string `json:"role"`
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"sessionId"`
}

// ContentBlock carries one block of an open message.
type ContentBlock struct {
	MessageID string `json:"messageId"`
	Index     int    `json:"index"`
	Block     Block  `json:"block"`
}

// Block is the tagged variant over text|thinking|tool_use|tool_result.
type Block struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
	CharCount int            `json:"charCount,omitempty"`
}

func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

func ThinkingBlock(thinking string) Block {
	return Block{Type: "thinking", Thinking: thinking}
}

func ToolUseBlock(toolUseID, toolName string, input map[string]any) Block {
	return Block{Type: "tool_use", ToolUseID: toolUseID, ToolName: toolName, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
		CharCount: len(content),
	}
}

// MessageEnd closes a message.
type MessageEnd struct {
	ID         string `json:"id"`
	StopReason string `json:"stopReason"`
}

// Usage is the exec provider's token accounting.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	CachedInputTokens int `json:"cachedInputTokens"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens"`
}

// ContextInfo summarizes context-window headroom. MaxTokens and PercentLeft
// are null when the model has no table entry.
type ContextInfo struct {
	MaxTokens   *int     `json:"maxTokens"`
	UsedTokens  int      `json:"usedTokens"`
	PercentLeft *float64 `json:"percentLeft"`
}

// SessionMeta is the live session snapshot broadcast to stream clients.
type SessionMeta struct {
	Provider       string       `json:"provider"`
	SessionID      string       `json:"sessionId"`
	Cwd            string       `json:"cwd"`
	Model          string       `json:"model,omitempty"`
	LatestThreadID string       `json:"latestThreadId,omitempty"`
	Usage          *Usage       `json:"usage,omitempty"`
	ContextInfo    *ContextInfo `json:"contextInfo,omitempty"`
	IsActive       bool         `json:"isActive"`
	QueueLength    int          `json:"queueLength"`
}
