package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// tailScanBytes bounds how much of the events file is scanned when the
// sidecar's lastCursor is missing or unusable.
const tailScanBytes = 64 * 1024

// Writer is the single append point for one session's journal. The exec
// engine owns at most one Writer per session; the Writer's own lock
// serializes cursor assignment so submits and a running turn can both
// append safely.
type Writer struct {
	store *Store
	id    string

	mu     sync.Mutex
	meta   *Meta
	cursor int64
	f      *os.File
}

// OpenWriter opens a writer for an existing session. It fails with
// ErrSessionNotFound when the sidecar is absent. If the sidecar carries no
// usable lastCursor, the cursor is recovered from the journal tail.
func (s *Store) OpenWriter(id string) (*Writer, error) {
	meta, err := s.LoadMeta(id)
	if err != nil {
		return nil, err
	}

	cursor := meta.LastCursor
	if cursor <= 0 {
		cursor = recoverCursor(s.EventsPath(id))
	}

	f, err := os.OpenFile(s.EventsPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Writer{store: s, id: id, meta: meta, cursor: cursor, f: f}, nil
}

// MetaSnapshot returns a copy of the staged sidecar.
func (w *Writer) MetaSnapshot() Meta {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.meta
}

// Cursor returns the highest cursor appended so far.
func (w *Writer) Cursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// NextCursor returns the cursor the next Append will assign.
func (w *Writer) NextCursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor + 1
}

// Reload re-reads the sidecar from disk, keeping the in-memory cursor as
// the authority (the sidecar may lag the journal, never lead it).
func (w *Writer) Reload() error {
	meta, err := w.store.LoadMeta(w.id)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if meta.LastCursor < w.cursor {
		meta.LastCursor = w.cursor
	}
	w.meta = meta
	return nil
}

// Append writes one event record and returns its cursor.
func (w *Writer) Append(event string, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	rec := Record{
		Cursor: strconv.FormatInt(w.cursor+1, 10),
		Event:  event,
		Data:   raw,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	w.cursor++
	return w.cursor, nil
}

// AppendWith is Append for payloads that embed their own cursor (a
// message_start carries its line number). build runs under the writer lock
// with the cursor the record will receive.
func (w *Writer) AppendWith(event string, build func(cursor int64) any) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.cursor + 1
	raw, err := json.Marshal(build(next))
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}
	line, err := json.Marshal(Record{
		Cursor: strconv.FormatInt(next, 10),
		Event:  event,
		Data:   raw,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	w.cursor = next
	return w.cursor, nil
}

// Commit stores lastCursor in the staged sidecar, applies update on top,
// and rewrites the sidecar atomically. The update closure sees the fresh
// lastCursor (messageCount mirrors it by contract).
func (w *Writer) Commit(update func(meta *Meta)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.meta.LastCursor = w.cursor
	if update != nil {
		update(w.meta)
	}
	w.meta.LastCursor = w.cursor
	return w.store.writeMeta(w.meta)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// recoverCursor reads the final tailScanBytes of the journal and returns
// the cursor of the last valid record. Malformed trailing lines (the only
// tolerated tail corruption) are skipped. Returns 0 for an empty or
// unreadable journal.
func recoverCursor(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0
	}
	offset := info.Size() - tailScanBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0
	}

	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if rec, ok := ParseRecord(line); ok {
			return rec.CursorInt()
		}
	}
	return 0
}
