package shell

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestHistoryBufferUnderLimit(t *testing.T) {
	h := newHistoryBuffer(100)
	h.Write([]byte("hello "))
	h.Write([]byte("world"))
	if got := string(h.Bytes()); got != "hello world" {
		t.Errorf("history = %q", got)
	}
}

func TestHistoryBufferDropsOldest(t *testing.T) {
	h := newHistoryBuffer(10)
	h.Write([]byte("0123456789"))
	h.Write([]byte("abcde"))
	got := string(h.Bytes())
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if !strings.HasSuffix(got, "abcde") {
		t.Errorf("newest bytes missing from tail: %q", got)
	}
	if got != "56789abcde" {
		t.Errorf("history = %q, want 56789abcde", got)
	}
}

func TestHistoryBufferOversizedWrite(t *testing.T) {
	h := newHistoryBuffer(4)
	h.Write([]byte("abcdefgh"))
	if got := string(h.Bytes()); got != "efgh" {
		t.Errorf("history = %q, want efgh", got)
	}
}

func TestHistoryBufferBytesIsCopy(t *testing.T) {
	h := newHistoryBuffer(16)
	h.Write([]byte("abc"))
	b := h.Bytes()
	b[0] = 'z'
	if got := string(h.Bytes()); got != "abc" {
		t.Errorf("mutating the snapshot leaked into the buffer: %q", got)
	}
}

func TestReapablePolicy(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:           "x",
		CreatedAt:    now.Add(-5 * time.Hour),
		clients:      map[*Client]struct{}{},
		lastActivity: now,
	}
	if !s.reapable(now, 4*time.Hour, 30*time.Minute) {
		t.Error("session past TTL should be reapable")
	}

	s.CreatedAt = now.Add(-time.Hour)
	s.lastActivity = now.Add(-time.Hour)
	if !s.reapable(now, 4*time.Hour, 30*time.Minute) {
		t.Error("idle session with no clients should be reapable")
	}

	c := &Client{Output: make(chan []byte, 1), Exited: make(chan int, 1)}
	s.clients[c] = struct{}{}
	if s.reapable(now, 4*time.Hour, 30*time.Minute) {
		t.Error("idle session with a client should survive")
	}

	delete(s.clients, c)
	s.lastActivity = now.Add(-time.Minute)
	if s.reapable(now, 4*time.Hour, 30*time.Minute) {
		t.Error("recently active session should survive")
	}
}

func TestSpawnEchoAndHistoryReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real pty")
	}

	r := NewRegistry(Config{
		Workdir:    t.TempDir(),
		Muxer:      "",        // force the plain-shell path
		Shell:      "/bin/sh", // deterministic across hosts
		SweepEvery: time.Hour, // keep the sweeper out of the way
	})
	defer r.Close()

	s, err := r.GetOrCreate("test-session")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}

	c := s.Attach()
	defer s.Detach(c)

	if err := s.Write([]byte("echo perch-marker\r")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(out.Bytes(), []byte("perch-marker")) {
		select {
		case chunk := <-c.Output:
			out.Write(chunk)
		case <-deadline:
			t.Fatalf("marker never echoed; got %q", out.String())
		}
	}

	// A second client must see the marker again via history replay.
	c2 := s.Attach()
	defer s.Detach(c2)
	select {
	case chunk := <-c2.Output:
		if !bytes.Contains(chunk, []byte("perch-marker")) {
			t.Errorf("history prefix missing marker: %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no history prefix delivered")
	}
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real pty")
	}

	r := NewRegistry(Config{
		Workdir:    t.TempDir(),
		Shell:      "/bin/sh",
		SweepEvery: time.Hour,
	})
	defer r.Close()

	a, err := r.GetOrCreate("same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GetOrCreate("same")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the same session instance")
	}

	if _, ok := r.Get("other"); ok {
		t.Error("Get should not spawn")
	}
}

func TestResizeRejectsNonPositive(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real pty")
	}

	r := NewRegistry(Config{
		Workdir:    t.TempDir(),
		Shell:      "/bin/sh",
		SweepEvery: time.Hour,
	})
	defer r.Close()

	s, err := r.GetOrCreate("resize")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Resize(0, 40); err == nil {
		t.Error("expected error for zero cols")
	}
	if err := s.Resize(80, 24); err != nil {
		t.Errorf("valid resize failed: %v", err)
	}
}
