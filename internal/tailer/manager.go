package tailer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
)

// errDetached marks a client the tailer dropped, either because its frame
// buffer overflowed or the tailer shut down. The client reconnects from
// its last seen cursor.
var errDetached = errors.New("stream client detached")

// StatusFunc reports live engine state for a session: whether a turn is
// running and how many turns are queued.
type StatusFunc func(sessionID string) (active bool, queueLen int)

// Stats is one row of the diagnostics endpoint.
type Stats struct {
	SessionID string `json:"sessionId"`
	Clients   int    `json:"clients"`
	Position  int64  `json:"position"`
	Attached  bool   `json:"attached"`
}

// Manager lazily creates one Tailer per active session and retires tailers
// that have been idle past the configured window.
type Manager struct {
	store     *journal.Store
	status    StatusFunc
	heartbeat time.Duration
	idleAfter time.Duration

	mu      sync.Mutex
	tailers map[string]*Tailer
	closed  bool
}

func NewManager(store *journal.Store, status StatusFunc, heartbeat, idleAfter time.Duration) *Manager {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if idleAfter <= 0 {
		idleAfter = 60 * time.Second
	}
	return &Manager{
		store:     store,
		status:    status,
		heartbeat: heartbeat,
		idleAfter: idleAfter,
		tailers:   make(map[string]*Tailer),
	}
}

func (m *Manager) get(sessionID string) (*Tailer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tailers[sessionID]; ok {
		return t, nil
	}
	t, err := newTailer(sessionID, m.store.EventsPath(sessionID), m.heartbeat, m.idleAfter, m.retireIdle)
	if err != nil {
		return nil, err
	}
	m.tailers[sessionID] = t
	logger.Debug("tailer created", "session", sessionID)
	return t, nil
}

// retireIdle is the tailer's "retire me" upcall. An attach may race the
// timer, so the idleness check and the closed flag are one locked step:
// either the client registered first and retirement aborts, or the flag is
// set first and addClient reports failure.
func (m *Manager) retireIdle(t *Tailer) {
	m.mu.Lock()
	if m.tailers[t.sessionID] != t {
		m.mu.Unlock()
		return
	}
	t.mu.Lock()
	if len(t.clients) > 0 {
		t.mu.Unlock()
		m.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	delete(m.tailers, t.sessionID)
	m.mu.Unlock()

	t.close()
	logger.Debug("tailer retired", "session", t.sessionID)
}

// Drop closes and removes the session's tailer, if any. Attached clients
// are disconnected.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	t, ok := m.tailers[sessionID]
	if ok {
		delete(m.tailers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		t.close()
	}
}

// sessionMeta builds the live session_meta payload from the sidecar plus
// engine state.
func (m *Manager) sessionMeta(meta *journal.Meta) journal.SessionMeta {
	var active bool
	var queueLen int
	if m.status != nil {
		active, queueLen = m.status(meta.ID)
	}
	return journal.SessionMeta{
		Provider:       "codex",
		SessionID:      meta.ID,
		Cwd:            meta.Cwd,
		Model:          meta.Model,
		LatestThreadID: meta.LatestThreadID,
		Usage:          meta.Usage,
		ContextInfo:    meta.ContextInfo,
		IsActive:       active,
		QueueLength:    queueLen,
	}
}

// BroadcastMeta pushes a fresh session_meta frame to any clients currently
// streaming the session. No-op when no tailer exists.
func (m *Manager) BroadcastMeta(sessionID string) {
	m.mu.Lock()
	t, ok := m.tailers[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	meta, err := m.store.LoadMeta(sessionID)
	if err != nil {
		return
	}
	t.broadcast(jsonFrame(meta.LastCursor, journal.EventSessionMeta, m.sessionMeta(meta)))
}

// StreamWriter is the destination for one SSE client. Flush may be nil.
type StreamWriter struct {
	W     io.Writer
	Flush func()
}

func (sw StreamWriter) write(f Frame) error {
	if err := f.WriteTo(sw.W); err != nil {
		return err
	}
	if sw.Flush != nil {
		sw.Flush()
	}
	return nil
}

// Serve attaches one client: session_meta, history replay from since, then
// live streaming until ctx is done or a write fails. Write failures drop
// only this client.
func (m *Manager) Serve(ctx context.Context, sw StreamWriter, sessionID string, since int64, limit int) error {
	meta, err := m.store.LoadMeta(sessionID)
	if err != nil {
		return err
	}
	t, err := m.get(sessionID)
	if err != nil {
		return err
	}

	if err := sw.write(jsonFrame(meta.LastCursor, journal.EventSessionMeta, m.sessionMeta(meta))); err != nil {
		return err
	}
	if err := sw.write(jsonFrame(since, journal.EventHistoryStart, map[string]int64{"since": since})); err != nil {
		return err
	}

	count, endPos, maxCursor, err := t.replay(sw.W, sw.Flush, since, limit)
	if err != nil {
		return err
	}
	if err := sw.write(jsonFrame(maxCursor, journal.EventHistoryEnd, map[string]int{"count": count})); err != nil {
		return err
	}

	c := &client{ch: make(chan Frame, 256)}
	for !t.addClient(c, endPos, maxCursor) {
		// The idle timer fired during replay; the manager lazily creates
		// a replacement.
		if t, err = m.get(sessionID); err != nil {
			return err
		}
		if t.addClient(c, endPos, maxCursor) {
			// Catch up on anything appended while no watcher was running.
			t.readNew()
			break
		}
	}
	defer t.removeClient(c)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-c.ch:
			if !ok {
				return errDetached
			}
			if err := sw.write(f); err != nil {
				return nil
			}
		}
	}
}

// StatsSnapshot reports per-tailer diagnostics.
func (m *Manager) StatsSnapshot() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.tailers))
	for id, t := range m.tailers {
		n := t.clientCount()
		out = append(out, Stats{SessionID: id, Clients: n, Position: t.position(), Attached: n > 0})
	}
	return out
}

// Close shuts every tailer down.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tailers := make([]*Tailer, 0, len(m.tailers))
	for _, t := range m.tailers {
		tailers = append(tailers, t)
	}
	m.tailers = make(map[string]*Tailer)
	m.mu.Unlock()

	for _, t := range tailers {
		t.close()
	}
}
