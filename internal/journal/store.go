package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidCwd       = errors.New("cwd does not exist")
)

var sessionIDRe = regexp.MustCompile(`^[a-f0-9]{8}-([a-f0-9]{4}-){3}[a-f0-9]{12}$`)

// ValidSessionID reports whether id is a well-formed v4-style UUID.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// Meta is the per-session sidecar file.
type Meta struct {
	ID                 string       `json:"id"`
	Cwd                string       `json:"cwd"`
	Model              string       `json:"model,omitempty"`
	CreatedAt          string       `json:"createdAt"`
	LastMessageAt      string       `json:"lastMessageAt,omitempty"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
	MessageCount       int64        `json:"messageCount"`
	LastCursor         int64        `json:"lastCursor"`
	LatestThreadID     string       `json:"latestThreadId,omitempty"`
	Usage              *Usage       `json:"usage,omitempty"`
	ContextInfo        *ContextInfo `json:"contextInfo,omitempty"`
}

// Summary is one row of the session directory listing.
type Summary struct {
	Meta
	FileSize int64 `json:"fileSize"`
	IsActive bool  `json:"isActive"`
}

// Store owns the gateway's on-disk layout: one sidecar and one events file
// per exec session, plus the uploads directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Init creates the directory tree.
func (s *Store) Init() error {
	for _, dir := range []string{s.SessionsDir(), s.EventsDir(), s.UploadsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) Root() string        { return s.root }
func (s *Store) SessionsDir() string { return filepath.Join(s.root, "codex-sessions") }
func (s *Store) EventsDir() string   { return filepath.Join(s.root, "codex-events") }
func (s *Store) UploadsDir() string  { return filepath.Join(s.root, "uploads") }

func (s *Store) SidecarPath(id string) string {
	return filepath.Join(s.SessionsDir(), id+".json")
}

func (s *Store) EventsPath(id string) string {
	return filepath.Join(s.EventsDir(), id+".jsonl")
}

// CreateSession validates cwd, allocates an id, and writes the sidecar plus
// an empty events file (so tailers have something to watch immediately).
func (s *Store) CreateSession(cwd, model string) (*Meta, error) {
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return nil, ErrInvalidCwd
	}

	meta := &Meta{
		ID:        uuid.NewString(),
		Cwd:       cwd,
		Model:     model,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.writeMeta(meta); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.EventsPath(meta.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create events file: %w", err)
	}
	f.Close()

	return meta, nil
}

// LoadMeta reads a session sidecar. A missing file is ErrSessionNotFound.
func (s *Store) LoadMeta(id string) (*Meta, error) {
	data, err := os.ReadFile(s.SidecarPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}
	return &meta, nil
}

// writeMeta rewrites the sidecar with write-whole-file semantics: the new
// content lands in a temp file that is renamed over the old one.
func (s *Store) writeMeta(meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	path := s.SidecarPath(meta.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit sidecar: %w", err)
	}
	return nil
}

// DeleteSession removes the sidecar and events file.
func (s *Store) DeleteSession(id string) error {
	if err := os.Remove(s.SidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.EventsPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListSessions enumerates sidecars sorted by mtime descending and returns
// one page. Unparseable sidecars list as empty metadata rather than failing
// the whole page. active annotates isActive per session; nil means inactive.
func (s *Store) ListSessions(offset, limit int, active func(id string) bool) ([]Summary, int, bool, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, 0, false, nil
		}
		return nil, 0, false, err
	}

	type candidate struct {
		id    string
		mtime time.Time
	}
	var all []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		all = append(all, candidate{id: name[:len(name)-len(".json")], mtime: info.ModTime()})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].mtime.After(all[j].mtime) })

	total := len(all)
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]Summary, 0, end-offset)
	for _, c := range all[offset:end] {
		sum := Summary{Meta: Meta{ID: c.id}}
		if meta, err := s.LoadMeta(c.id); err == nil {
			sum.Meta = *meta
		}
		if info, err := os.Stat(s.EventsPath(c.id)); err == nil {
			sum.FileSize = info.Size()
		}
		if active != nil {
			sum.IsActive = active(c.id)
		}
		page = append(page, sum)
	}

	return page, total, end < total, nil
}
