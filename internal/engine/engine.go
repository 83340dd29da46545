package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
)

const (
	stderrRingSize   = 8 * 1024
	stderrPreviewMax = 2000
	previewMax       = 120
	killGrace        = 1500 * time.Millisecond
	scanBufSize      = 1024 * 1024
)

// Config is the exec-provider invocation surface.
type Config struct {
	ExecBin        string
	ApprovalPolicy string
	SandboxMode    string
	DefaultModel   string
	ModelChoices   []string
}

// Engine serializes user turns per session into child-process invocations
// and transcodes their structured stdout into journal events.
type Engine struct {
	store  *journal.Store
	cfg    Config
	onMeta func(sessionID string) // live session_meta broadcast; may be nil

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the engine's per-session state. mu guards queue, the active
// flag, and the child handle; the journal Writer serializes its own cursor.
type session struct {
	id string

	mu     sync.Mutex
	w      *journal.Writer
	queue  []*turn
	active bool
	child  *exec.Cmd
	run    *turnRun
}

type turn struct {
	prompt        string
	content       string
	imagePath     string
	userMessageID string
}

func New(store *journal.Store, cfg Config, onMeta func(sessionID string)) *Engine {
	return &Engine{
		store:    store,
		cfg:      cfg,
		onMeta:   onMeta,
		sessions: make(map[string]*session),
	}
}

func (e *Engine) getSession(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &session{id: id}
		e.sessions[id] = s
	}
	return s
}

func (e *Engine) lookup(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// writer returns the session's journal writer, opening it on first use.
// Caller must hold sess.mu.
func (s *session) writer(store *journal.Store) (*journal.Writer, error) {
	if s.w != nil {
		return s.w, nil
	}
	w, err := store.OpenWriter(s.id)
	if err != nil {
		return nil, err
	}
	s.w = w
	return w, nil
}

func (e *Engine) notifyMeta(sessionID string) {
	if e.onMeta != nil {
		e.onMeta(sessionID)
	}
}

// Submit records the user message, handles slash commands inline, and
// otherwise enqueues a turn. Returns the user message id.
func (e *Engine) Submit(sessionID, content, imagePath string) (string, error) {
	sess := e.getSession(sessionID)

	sess.mu.Lock()
	w, err := sess.writer(e.store)
	if err != nil {
		sess.mu.Unlock()
		return "", err
	}
	sess.mu.Unlock()

	prompt := content
	if imagePath != "" {
		prompt += "\n\n[Attached image: " + imagePath + "]"
	}

	userID := uuid.NewString()
	now := timestamp()
	if _, err := w.AppendWith(journal.EventMessageStart, func(cursor int64) any {
		return journal.MessageStart{
			ID:         userID,
			LineNumber: cursor,
			Role:       journal.RoleUser,
			Timestamp:  now,
			SessionID:  sessionID,
		}
	}); err != nil {
		return "", err
	}
	if _, err := w.Append(journal.EventContentBlock, journal.ContentBlock{
		MessageID: userID,
		Index:     0,
		Block:     journal.TextBlock(prompt),
	}); err != nil {
		return "", err
	}
	if _, err := w.Append(journal.EventMessageEnd, journal.MessageEnd{
		ID:         userID,
		StopReason: journal.StopEndTurn,
	}); err != nil {
		return "", err
	}
	if err := w.Commit(func(m *journal.Meta) {
		m.LastMessageAt = now
		m.LastMessagePreview = truncate(content, previewMax)
		m.MessageCount = m.LastCursor
	}); err != nil {
		return "", err
	}

	if e.runSlash(w, sessionID, content) {
		e.notifyMeta(sessionID)
		return userID, nil
	}

	sess.mu.Lock()
	sess.queue = append(sess.queue, &turn{
		prompt:        prompt,
		content:       content,
		imagePath:     imagePath,
		userMessageID: userID,
	})
	sess.mu.Unlock()

	e.notifyMeta(sessionID)
	go e.startNextTurn(sessionID)
	return userID, nil
}

// startNextTurn pops the next queued turn unless one is already running.
func (e *Engine) startNextTurn(sessionID string) {
	sess := e.getSession(sessionID)

	sess.mu.Lock()
	if sess.active || len(sess.queue) == 0 {
		sess.mu.Unlock()
		return
	}
	t := sess.queue[0]
	sess.queue = sess.queue[1:]
	sess.active = true

	w, err := sess.writer(e.store)
	if err != nil {
		sess.active = false
		sess.mu.Unlock()
		logger.Error("open writer for turn", "session", sessionID, "err", err)
		return
	}
	sess.mu.Unlock()

	if err := w.Reload(); err != nil {
		logger.Warn("reload sidecar", "session", sessionID, "err", err)
	}
	meta := w.MetaSnapshot()

	run := &turnRun{
		e:           e,
		sess:        sess,
		w:           w,
		sessionID:   sessionID,
		messageID:   uuid.NewString(),
		userContent: t.content,
		stderr:      newRing(stderrRingSize),
	}

	sess.mu.Lock()
	sess.run = run
	sess.mu.Unlock()

	if _, err := w.AppendWith(journal.EventMessageStart, func(cursor int64) any {
		return journal.MessageStart{
			ID:         run.messageID,
			LineNumber: cursor,
			Role:       journal.RoleAssistant,
			Timestamp:  timestamp(),
			SessionID:  sessionID,
		}
	}); err != nil {
		logger.Error("append assistant start", "session", sessionID, "err", err)
	}

	run.execute(t, meta.Model, meta.Cwd)
}

// turnRun is the state of one assistant turn. Its lock guards block
// emission and remembered provider state; finalize runs exactly once.
type turnRun struct {
	e           *Engine
	sess        *session
	w           *journal.Writer
	sessionID   string
	messageID   string
	userContent string
	stderr      *ring

	mu         sync.Mutex
	blockIndex int
	emitted    bool
	done       bool
	preview    string
	threadID   string
	usage      *execUsage

	once sync.Once
}

// appendBlock emits one content block unless the turn has finalized
// (post-cancel stragglers from the drain are dropped).
func (r *turnRun) appendBlock(b journal.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.appendBlockLocked(b)
}

func (r *turnRun) appendBlockLocked(b journal.Block) {
	if _, err := r.w.Append(journal.EventContentBlock, journal.ContentBlock{
		MessageID: r.messageID,
		Index:     r.blockIndex,
		Block:     b,
	}); err != nil {
		logger.Error("append content block", "session", r.sessionID, "err", err)
		return
	}
	r.blockIndex++
	r.emitted = true
}

// execute spawns the exec binary and pumps its stdout through the
// transcoder until exit.
func (r *turnRun) execute(t *turn, model, cwd string) {
	binPath, err := exec.LookPath(r.e.cfg.ExecBin)
	if err != nil {
		r.finalize(journal.StopError, "Executable not found: "+r.e.cfg.ExecBin)
		return
	}

	args := []string{
		"-a", r.e.cfg.ApprovalPolicy,
		"exec", "--json", "--skip-git-repo-check",
		"-C", cwd,
		"--sandbox", r.e.cfg.SandboxMode,
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, t.prompt)

	cmd := exec.Command(binPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.finalize(journal.StopError, "Failed to start "+r.e.cfg.ExecBin+": "+err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.finalize(journal.StopError, "Failed to start "+r.e.cfg.ExecBin+": "+err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		r.finalize(journal.StopError, "Failed to start "+r.e.cfg.ExecBin+": "+err.Error())
		return
	}

	r.sess.mu.Lock()
	r.sess.child = cmd
	r.sess.mu.Unlock()

	logger.Debug("exec turn started", "session", r.sessionID, "pid", cmd.Process.Pid, "model", model)

	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		io.Copy(r.stderr, stderr)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufSize), scanBufSize)
	for scanner.Scan() {
		r.handleLine(scanner.Bytes())
	}
	drain.Wait()

	if err := cmd.Wait(); err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.finalize(journal.StopError, fmt.Sprintf("Exec process exited with code %d.", exitCode))
		return
	}
	r.finalize(journal.StopEndTurn, "")
}

// finalize closes the assistant message exactly once: synthetic blocks per
// the stop reason, message_end, sidecar commit, and queue drain.
func (r *turnRun) finalize(stopReason, failure string) {
	r.once.Do(func() {
		r.mu.Lock()
		r.done = true
		stderrTail := truncate(r.stderr.String(), stderrPreviewMax)
		switch stopReason {
		case journal.StopError:
			if !r.emitted {
				msg := failure
				if stderrTail != "" {
					msg += "\n\n" + stderrTail
				}
				r.appendBlockLocked(journal.TextBlock(msg))
			} else if stderrTail != "" {
				r.appendBlockLocked(journal.TextBlock(stderrTail))
			}
		case journal.StopCancelled:
			if !r.emitted {
				r.appendBlockLocked(journal.TextBlock("Cancelled."))
			}
		}
		if _, err := r.w.Append(journal.EventMessageEnd, journal.MessageEnd{
			ID:         r.messageID,
			StopReason: stopReason,
		}); err != nil {
			logger.Error("append message end", "session", r.sessionID, "err", err)
		}
		usage := r.usage.summary()
		preview := r.preview
		threadID := r.threadID
		r.mu.Unlock()

		now := timestamp()
		if err := r.w.Commit(func(m *journal.Meta) {
			m.LastMessageAt = now
			p := preview
			if p == "" {
				p = r.userContent
			}
			m.LastMessagePreview = truncate(p, previewMax)
			m.MessageCount = m.LastCursor
			if threadID != "" {
				m.LatestThreadID = threadID
			}
			if usage != nil {
				m.Usage = usage
				m.ContextInfo = makeContextInfo(m.Model, usage.TotalTokens)
			}
		}); err != nil {
			logger.Error("commit turn", "session", r.sessionID, "err", err)
		}

		r.sess.mu.Lock()
		r.sess.active = false
		r.sess.child = nil
		r.sess.run = nil
		r.sess.mu.Unlock()

		logger.Debug("exec turn finalized", "session", r.sessionID, "stopReason", stopReason)

		r.e.notifyMeta(r.sessionID)
		go r.e.startNextTurn(r.sessionID)
	})
}

// Cancel stops the running turn (if any) and optionally drops queued
// turns. Reports what actually happened.
func (e *Engine) Cancel(sessionID string, clearQueue bool) (cancelled, running, cleared bool) {
	sess := e.lookup(sessionID)
	if sess == nil {
		return false, false, false
	}

	sess.mu.Lock()
	if clearQueue && len(sess.queue) > 0 {
		sess.queue = nil
		cleared = true
	}
	running = sess.active
	child := sess.child
	run := sess.run
	sess.mu.Unlock()

	if running && run != nil {
		run.finalize(journal.StopCancelled, "")
		cancelled = true
		if child != nil && child.Process != nil {
			child.Process.Signal(syscall.SIGTERM)
			go func() {
				time.Sleep(killGrace)
				if err := child.Process.Signal(syscall.Signal(0)); err == nil {
					child.Process.Kill()
				}
			}()
		}
	}

	e.notifyMeta(sessionID)
	return cancelled, running, cleared
}

// Drop cancels any running turn for the session, clears its queue, and
// releases its journal writer. Used when a session is deleted.
func (e *Engine) Drop(sessionID string) {
	e.Cancel(sessionID, true)

	e.mu.Lock()
	sess := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	if sess.w != nil {
		sess.w.Close()
		sess.w = nil
	}
	sess.mu.Unlock()
}

// Status reports whether a turn is running and the queue depth.
func (e *Engine) Status(sessionID string) (bool, int) {
	sess := e.lookup(sessionID)
	if sess == nil {
		return false, 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.active, len(sess.queue)
}

// Active reports whether a turn is currently running.
func (e *Engine) Active(sessionID string) bool {
	active, _ := e.Status(sessionID)
	return active
}

// Close cancels every running turn and closes the journal writers.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(id, true)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sess := range e.sessions {
		sess.mu.Lock()
		if sess.w != nil {
			sess.w.Close()
			sess.w = nil
		}
		sess.mu.Unlock()
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// truncate limits s to max runes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
