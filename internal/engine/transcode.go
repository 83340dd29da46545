package engine

import (
	"encoding/json"
	"strings"

	"github.com/perchlabs/perch/internal/journal"
)

// execEvent is one NDJSON record on the exec binary's stdout.
type execEvent struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	Item     *execItem  `json:"item"`
	Usage    *execUsage `json:"usage"`
}

type execItem struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         int    `json:"exit_code"`
}

type execUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

func (u *execUsage) summary() *journal.Usage {
	if u == nil {
		return nil
	}
	return &journal.Usage{
		InputTokens:       u.InputTokens,
		CachedInputTokens: u.CachedInputTokens,
		OutputTokens:      u.OutputTokens,
		TotalTokens:       u.InputTokens + u.OutputTokens,
	}
}

// handleLine transcodes one stdout line into journal content blocks.
// Unknown record shapes are ignored.
func (r *turnRun) handleLine(line []byte) {
	var ev execEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			r.mu.Lock()
			r.threadID = ev.ThreadID
			r.mu.Unlock()
		}
	case "turn.completed":
		if ev.Usage != nil {
			r.mu.Lock()
			r.usage = ev.Usage
			r.mu.Unlock()
		}
	case "item.started":
		if ev.Item != nil && ev.Item.Type == "command_execution" {
			r.appendBlock(journal.ToolUseBlock(ev.Item.ID, "bash", map[string]any{"command": ev.Item.Command}))
		}
	case "item.completed":
		if ev.Item == nil {
			return
		}
		switch ev.Item.Type {
		case "command_execution":
			r.appendBlock(journal.ToolResultBlock(ev.Item.ID, ev.Item.AggregatedOutput, ev.Item.ExitCode != 0))
		case "agent_message":
			r.appendBlock(journal.TextBlock(ev.Item.Text))
			r.mu.Lock()
			r.preview = ev.Item.Text
			r.mu.Unlock()
		case "reasoning":
			r.appendBlock(journal.ThinkingBlock(ev.Item.Text))
		}
	}
}

// contextWindow looks up a model's context size. Unknown models report
// ok=false, which surfaces as null maxTokens/percentLeft.
func contextWindow(model string) (int, bool) {
	switch {
	case strings.HasPrefix(model, "gpt-5.2"):
		return 200_000, true
	case model == "o3" || model == "o4-mini":
		return 200_000, true
	case strings.HasPrefix(model, "gpt-4o"):
		return 128_000, true
	}
	return 0, false
}

func makeContextInfo(model string, usedTokens int) *journal.ContextInfo {
	info := &journal.ContextInfo{UsedTokens: usedTokens}
	if max, ok := contextWindow(model); ok {
		info.MaxTokens = &max
		left := float64(max-usedTokens) / float64(max)
		if left < 0 {
			left = 0
		}
		info.PercentLeft = &left
	}
	return info
}
