package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/perchlabs/perch/internal/logger"
)

var ErrNotFound = errors.New("pty session not found")

const (
	initialCols = 120
	initialRows = 40
	bootDelay   = 200 * time.Millisecond
	killGrace   = 1500 * time.Millisecond
)

// Config controls spawning and lifecycle policy for PTY sessions.
type Config struct {
	Workdir      string
	Muxer        string // attach-or-create multiplexer binary, e.g. "tmux"; empty disables
	Shell        string // login shell override; defaults to $SHELL then /bin/sh
	BootCmd      string // written to the PTY 200ms after spawn, with a trailing \r
	HistoryLimit int
	SessionTTL   time.Duration
	IdleTimeout  time.Duration
	SweepEvery   time.Duration
}

// Client is one attached consumer of a session's output. The history
// prefix arrives as the first Output chunk; Exited delivers the process
// exit code once.
type Client struct {
	Output chan []byte
	Exited chan int
}

// Session is one live PTY process.
type Session struct {
	ID        string
	CreatedAt time.Time

	ptmx    *os.File
	cmd     *exec.Cmd
	history *historyBuffer

	mu           sync.Mutex
	lastActivity time.Time
	clients      map[*Client]struct{}
	done         chan struct{}
}

// Registry owns the set of live PTY sessions and enforces TTL/idle policy.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(cfg Config) *Registry {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200_000
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 4 * time.Hour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// GetOrCreate returns the session for id, spawning one if needed. An
// existing session has its activity clock bumped.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.touch()
		return s, nil
	}

	s, err := r.spawn(id)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	go r.watchExit(s)
	return s, nil
}

// Get returns an existing session without spawning.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) spawn(id string) (*Session, error) {
	var cmd *exec.Cmd
	if r.cfg.Muxer != "" {
		if path, err := exec.LookPath(r.cfg.Muxer); err == nil {
			// Attach-or-create: reconnects to a surviving mux session
			// after a gateway restart.
			cmd = exec.Command(path, "new-session", "-A", "-s", "perch-"+id)
		}
	}
	if cmd == nil {
		sh := r.cfg.Shell
		if sh == "" {
			sh = os.Getenv("SHELL")
		}
		if sh == "" {
			sh = "/bin/sh"
		}
		cmd = exec.Command(sh, "-l")
	}
	cmd.Dir = r.cfg.Workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: initialCols, Rows: initialRows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		ptmx:         ptmx,
		cmd:          cmd,
		history:      newHistoryBuffer(r.cfg.HistoryLimit),
		lastActivity: now,
		clients:      make(map[*Client]struct{}),
		done:         make(chan struct{}),
	}
	go s.readLoop()

	if r.cfg.BootCmd != "" {
		bootCmd := r.cfg.BootCmd
		go func() {
			time.Sleep(bootDelay)
			s.ptmx.Write([]byte(bootCmd + "\r"))
		}()
	}

	logger.Info("pty session started", "session", id, "pid", cmd.Process.Pid)
	return s, nil
}

// watchExit waits for the process, notifies attached clients, and removes
// the registry entry.
func (r *Registry) watchExit(s *Session) {
	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	s.ptmx.Close()

	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	close(s.done)
	for c := range s.clients {
		select {
		case c.Exited <- exitCode:
		default:
		}
	}
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()

	logger.Info("pty session exited", "session", s.ID, "exitCode", exitCode)
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.history.Write(data)

			s.mu.Lock()
			s.lastActivity = time.Now()
			for c := range s.clients {
				select {
				case c.Output <- data:
				default:
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Attach registers a new client. The entire history prefix is pushed
// before any live chunk.
func (s *Session) Attach() *Client {
	c := &Client{
		Output: make(chan []byte, 256),
		Exited: make(chan int, 1),
	}
	if h := s.history.Bytes(); len(h) > 0 {
		c.Output <- h
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return c
}

func (s *Session) Detach(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Write sends input bytes to the PTY.
func (s *Session) Write(p []byte) error {
	s.touch()
	_, err := s.ptmx.Write(p)
	return err
}

// Resize changes the terminal geometry. Both dimensions must be positive.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	s.touch()
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// reapable applies the TTL/idle policy.
func (s *Session) reapable(now time.Time, ttl, idle time.Duration) bool {
	if now.Sub(s.CreatedAt) > ttl {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) == 0 && now.Sub(s.lastActivity) > idle
}

func (s *Session) terminate() {
	if s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.done:
		case <-time.After(killGrace):
			s.cmd.Process.Kill()
		}
	}()
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.reapable(now, r.cfg.SessionTTL, r.cfg.IdleTimeout) {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		logger.Info("reaping pty session", "session", s.ID)
		s.terminate()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close terminates every session and stops the sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	victims := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		victims = append(victims, s)
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.terminate()
	}
}
