package tailer

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
)

const (
	// debounceWindow coalesces bursts of file-change notifications into
	// one tail read.
	debounceWindow = 100 * time.Millisecond
	// replayYieldEvery is how many history frames a replay emits between
	// cooperative yields, so one attach cannot starve the fan-out loop.
	replayYieldEvery = 200
)

type client struct {
	ch chan Frame
}

// Tailer watches one session's journal file and fans new records out to
// every attached stream client. It does not own its manager: on idle it
// asks to be retired via the callback the manager installed.
type Tailer struct {
	sessionID string
	path      string
	heartbeat time.Duration
	idleAfter time.Duration
	retire    func(*Tailer)

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu         sync.Mutex
	clients    map[*client]struct{}
	pos        int64
	lastCursor int64
	reading    bool
	idleTimer  *time.Timer
	closed     bool // retiring or retired; rejects new clients
	stopped    bool // close() already ran
}

func newTailer(sessionID, path string, heartbeat, idleAfter time.Duration, retire func(*Tailer)) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	t := &Tailer{
		sessionID: sessionID,
		path:      path,
		heartbeat: heartbeat,
		idleAfter: idleAfter,
		retire:    retire,
		watcher:   watcher,
		done:      make(chan struct{}),
		clients:   make(map[*client]struct{}),
	}
	go t.watchLoop()
	go t.heartbeatLoop()
	return t, nil
}

func (t *Tailer) watchLoop() {
	// Stopped timer; armed on the first change notification.
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(debounceWindow)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("journal watch error", "session", t.sessionID, "err", err)
		case <-debounce.C:
			t.readNew()
		}
	}
}

// readNew reads the journal from the stored position, broadcasts every new
// valid line, and advances the position. Reentrancy-guarded; a torn final
// line (no newline yet) is left for the next read.
func (t *Tailer) readNew() {
	t.mu.Lock()
	if t.reading || t.closed {
		t.mu.Unlock()
		return
	}
	t.reading = true
	pos := t.pos
	t.mu.Unlock()

	frames, newPos := readRecords(t.path, pos)

	t.mu.Lock()
	t.reading = false
	if newPos > t.pos {
		t.pos = newPos
	}
	for _, f := range frames {
		if c := (journal.Record{Cursor: f.ID}).CursorInt(); c > t.lastCursor {
			t.lastCursor = c
		}
		for cl := range t.clients {
			t.deliverLocked(cl, f)
		}
	}
	t.mu.Unlock()
}

// deliverLocked hands f to cl, detaching the client when its buffer is
// full. A lagging client reconnects from its last seen cursor instead of
// silently missing records. Caller holds t.mu.
func (t *Tailer) deliverLocked(cl *client, f Frame) {
	select {
	case cl.ch <- f:
	default:
		delete(t.clients, cl)
		close(cl.ch)
	}
}

// readRecords reads complete lines starting at pos and returns the frames
// for valid records plus the new position. Malformed complete lines are
// skipped but still advance the position.
func readRecords(path string, pos int64) ([]Frame, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pos
	}
	defer f.Close()

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return nil, pos
	}

	var frames []Frame
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// Torn tail: wait for the rest of the line.
			break
		}
		pos += int64(len(line))
		if rec, ok := journal.ParseRecord(line); ok {
			frames = append(frames, Frame{ID: rec.Cursor, Event: rec.Event, Data: rec.Data})
		}
	}
	return frames, pos
}

func (t *Tailer) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			f := jsonFrame(t.lastCursor, journal.EventHeartbeat, struct{}{})
			for cl := range t.clients {
				t.deliverLocked(cl, f)
			}
			t.mu.Unlock()
		}
	}
}

// replay streams journal records with cursor > since to w, up to limit
// (limit <= 0 means unlimited). Returns the emitted count, the file
// position after the last complete line, and the highest cursor seen.
func (t *Tailer) replay(w io.Writer, flush func(), since int64, limit int) (int, int64, int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	var (
		count   int
		pos     int64
		maxSeen int64
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			break
		}
		pos += int64(len(line))
		rec, ok := journal.ParseRecord(line)
		if !ok {
			continue
		}
		cursor := rec.CursorInt()
		if cursor > maxSeen {
			maxSeen = cursor
		}
		if cursor <= since {
			continue
		}
		if limit > 0 && count >= limit {
			continue
		}
		frame := Frame{ID: rec.Cursor, Event: rec.Event, Data: rec.Data}
		if err := frame.WriteTo(w); err != nil {
			return count, pos, maxSeen, err
		}
		count++
		if count%replayYieldEvery == 0 {
			if flush != nil {
				flush()
			}
			runtime.Gosched()
		}
	}
	return count, pos, maxSeen, nil
}

// addClient registers a stream client and records endPos as the live tail
// position if the tailer has not already read past it. Cancels any pending
// idle shutdown. Reports false when the tailer has been retired; the
// caller must fetch a fresh one from the manager and retry.
func (t *Tailer) addClient(c *client, endPos, maxCursor int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if endPos > t.pos {
		t.pos = endPos
	}
	if maxCursor > t.lastCursor {
		t.lastCursor = maxCursor
	}
	t.clients[c] = struct{}{}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	return true
}

// removeClient drops a stream client. When the last one leaves, an idle
// timer starts; if nobody reattaches before it fires, the tailer asks the
// manager to retire it.
func (t *Tailer) removeClient(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, c)
	if len(t.clients) == 0 && !t.closed {
		if t.idleTimer != nil {
			t.idleTimer.Stop()
		}
		t.idleTimer = time.AfterFunc(t.idleAfter, func() { t.retire(t) })
	}
}

func (t *Tailer) clientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func (t *Tailer) close() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.closed = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	// Wake any attached readers; a closed channel tells them to reconnect.
	for cl := range t.clients {
		close(cl.ch)
	}
	t.clients = make(map[*client]struct{})
	t.mu.Unlock()

	close(t.done)
	t.watcher.Close()
}

// broadcast pushes a frame to every attached client.
func (t *Tailer) broadcast(f Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cl := range t.clients {
		t.deliverLocked(cl, f)
	}
}

func (t *Tailer) position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}
