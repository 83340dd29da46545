package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
)

// runSlash handles gateway-level commands inline. They produce an
// assistant message pair without spawning a child. Returns true when the
// content was a slash command.
func (e *Engine) runSlash(w *journal.Writer, sessionID, content string) bool {
	trimmed := strings.TrimSpace(content)

	switch {
	case trimmed == "/models":
		current := w.MetaSnapshot().Model
		var b strings.Builder
		b.WriteString("Available models:\n")
		for _, m := range e.cfg.ModelChoices {
			marker := "  "
			if m == current {
				marker = "* "
			}
			fmt.Fprintf(&b, "%s%s\n", marker, m)
		}
		if len(e.cfg.ModelChoices) == 0 {
			b.WriteString("  (none configured)\n")
		}
		b.WriteString("\nSwitch with /model <name>.")
		e.emitAssistant(w, sessionID, b.String(), nil)
		return true

	case strings.HasPrefix(trimmed, "/model "):
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, "/model "))
		if name == "" {
			e.emitAssistant(w, sessionID, "Usage: /model <name>", nil)
			return true
		}
		e.emitAssistant(w, sessionID, "Model set to "+name+".", func(m *journal.Meta) {
			m.Model = name
		})
		logger.Info("model switched", "session", sessionID, "model", name)
		return true
	}
	return false
}

// emitAssistant writes a complete single-block assistant message and
// commits the sidecar, applying extra on top when given.
func (e *Engine) emitAssistant(w *journal.Writer, sessionID, text string, extra func(*journal.Meta)) {
	id := uuid.NewString()
	now := timestamp()
	if _, err := w.AppendWith(journal.EventMessageStart, func(cursor int64) any {
		return journal.MessageStart{
			ID:         id,
			LineNumber: cursor,
			Role:       journal.RoleAssistant,
			Timestamp:  now,
			SessionID:  sessionID,
		}
	}); err != nil {
		logger.Error("append slash start", "session", sessionID, "err", err)
		return
	}
	if _, err := w.Append(journal.EventContentBlock, journal.ContentBlock{
		MessageID: id,
		Index:     0,
		Block:     journal.TextBlock(text),
	}); err != nil {
		logger.Error("append slash block", "session", sessionID, "err", err)
		return
	}
	if _, err := w.Append(journal.EventMessageEnd, journal.MessageEnd{
		ID:         id,
		StopReason: journal.StopEndTurn,
	}); err != nil {
		logger.Error("append slash end", "session", sessionID, "err", err)
		return
	}
	if err := w.Commit(func(m *journal.Meta) {
		m.LastMessageAt = now
		m.LastMessagePreview = truncate(text, previewMax)
		m.MessageCount = m.LastCursor
		if extra != nil {
			extra(m)
		}
	}); err != nil {
		logger.Error("commit slash", "session", sessionID, "err", err)
	}
}
