package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/engine"
	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/shell"
	"github.com/perchlabs/perch/internal/tailer"
)

type testEnv struct {
	cfg    *config.Config
	store  *journal.Store
	engine *engine.Engine
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Workdir = t.TempDir()
	cfg.APIKey = apiKey
	cfg.ExecBin = "/bin/true" // exits immediately emitting nothing

	store := journal.NewStore(cfg.Root)
	if err := store.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	shells := shell.NewRegistry(shell.Config{
		Workdir:    cfg.Workdir,
		Shell:      "/bin/sh",
		SweepEvery: time.Hour,
	})
	t.Cleanup(shells.Close)

	var tails *tailer.Manager
	eng := engine.New(store, engine.Config{
		ExecBin:        cfg.ExecBin,
		ApprovalPolicy: cfg.ApprovalPolicy,
		SandboxMode:    cfg.SandboxMode,
		DefaultModel:   cfg.DefaultModel,
		ModelChoices:   cfg.ModelChoices,
	}, func(id string) {
		if tails != nil {
			tails.BroadcastMeta(id)
		}
	})
	t.Cleanup(eng.Close)

	tails = tailer.NewManager(store, eng.Status, time.Minute, time.Minute)
	t.Cleanup(tails.Close)

	srv := New(cfg, store, eng, shells, tails, []byte("test-secret-test-secret-32bytes!"))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{cfg: cfg, store: store, engine: eng, ts: ts}
}

func (env *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if env.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", env.cfg.APIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t, "key123")

	resp, err := http.Get(env.ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]bool
	decode(t, resp, &body)
	if !body["ok"] {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, "key123")

	resp, err := http.Get(env.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", env.ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer key123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer: status = %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", env.ts.URL+"/api/sessions", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthDisabledWhenNoKey(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := http.Get(env.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", resp.StatusCode)
	}
}

func TestSessionStartAndList(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/session/start", map[string]string{"cwd": env.cfg.Workdir})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var started struct {
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
		Ready     bool   `json:"ready"`
	}
	decode(t, resp, &started)
	if !started.Ready || !journal.ValidSessionID(started.SessionID) {
		t.Errorf("start = %+v", started)
	}
	if started.Cwd != env.cfg.Workdir {
		t.Errorf("cwd = %q", started.Cwd)
	}

	resp = env.request(t, "GET", "/api/sessions", nil)
	var listed struct {
		Sessions []json.RawMessage `json:"sessions"`
		Total    int               `json:"total"`
		HasMore  bool              `json:"hasMore"`
	}
	decode(t, resp, &listed)
	if listed.Total != 1 || len(listed.Sessions) != 1 {
		t.Errorf("list = %+v", listed)
	}
}

func TestSessionStartInvalidCwd(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.request(t, "POST", "/api/session/start", map[string]string{"cwd": "/no/such/dir"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "INVALID_CWD" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestSessionStartMalformedBody(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Post(env.ts.URL+"/api/session/start", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "INVALID_REQUEST" {
		t.Errorf("error = %q, want INVALID_REQUEST", body["error"])
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/session/start", map[string]string{"cwd": env.cfg.Workdir})
	var started struct {
		SessionID string `json:"sessionId"`
	}
	decode(t, resp, &started)

	resp = env.request(t, "DELETE", "/api/sessions/"+started.SessionID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]bool
	decode(t, resp, &body)
	if !body["ok"] {
		t.Errorf("body = %v", body)
	}

	if _, err := env.store.LoadMeta(started.SessionID); err == nil {
		t.Error("sidecar still present after delete")
	}
	if _, err := os.Stat(env.store.EventsPath(started.SessionID)); !os.IsNotExist(err) {
		t.Errorf("journal still present after delete: %v", err)
	}

	resp = env.request(t, "DELETE", "/api/sessions/"+started.SessionID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", resp.StatusCode)
	}
	var errBody map[string]string
	decode(t, resp, &errBody)
	if errBody["error"] != "SESSION_NOT_FOUND" {
		t.Errorf("error = %q", errBody["error"])
	}
}

func TestDeleteSessionBadID(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.request(t, "DELETE", "/api/sessions/not-a-uuid", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "INVALID_SESSION_ID" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/sessions/not-a-uuid/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bad id: status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "INVALID_SESSION_ID" {
		t.Errorf("error = %q", body["error"])
	}

	resp = env.request(t, "POST", "/api/sessions/11111111-2222-4333-8444-555555555555/messages", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no content: status = %d, want 400", resp.StatusCode)
	}
	decode(t, resp, &body)
	if body["error"] != "MISSING_CONTENT" {
		t.Errorf("error = %q", body["error"])
	}

	resp = env.request(t, "POST", "/api/sessions/11111111-2222-4333-8444-555555555555/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}
	decode(t, resp, &body)
	if body["error"] != "SESSION_NOT_FOUND" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestSubmitAccepted(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/session/start", map[string]string{"cwd": env.cfg.Workdir})
	var started struct {
		SessionID string `json:"sessionId"`
	}
	decode(t, resp, &started)

	resp = env.request(t, "POST", "/api/sessions/"+started.SessionID+"/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var accepted struct {
		Accepted  bool   `json:"accepted"`
		MessageID string `json:"messageId"`
	}
	decode(t, resp, &accepted)
	if !accepted.Accepted || accepted.MessageID == "" {
		t.Errorf("submit = %+v", accepted)
	}
}

func TestCancelShape(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/session/start", map[string]string{"cwd": env.cfg.Workdir})
	var started struct {
		SessionID string `json:"sessionId"`
	}
	decode(t, resp, &started)

	resp = env.request(t, "POST", "/api/sessions/"+started.SessionID+"/cancel", map[string]bool{"clearQueue": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		OK           bool `json:"ok"`
		Cancelled    bool `json:"cancelled"`
		Running      bool `json:"running"`
		ClearedQueue bool `json:"clearedQueue"`
	}
	decode(t, resp, &body)
	if !body.OK || body.Cancelled || body.Running || body.ClearedQueue {
		t.Errorf("cancel with nothing running = %+v", body)
	}
}

func TestChatStreamMissingSession(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.request(t, "GET", "/api/chat-stream", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "MISSING_SESSION" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestChatStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.request(t, "GET", "/api/chat-stream?session=11111111-2222-4333-8444-555555555555", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "SESSION_NOT_FOUND" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestChatStreamFrames(t *testing.T) {
	env := newTestEnv(t, "")

	meta, err := env.store.CreateSession(env.cfg.Workdir, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	w, err := env.store.OpenWriter(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for i := 0; i < 3; i++ {
		if _, err := w.Append(journal.EventContentBlock, journal.ContentBlock{Block: journal.TextBlock("x")}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Commit(nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", env.ts.URL+"/api/chat-stream?session="+meta.ID+"&since=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "event: history_end") {
			break
		}
	}
	want := []string{"session_meta", "history_start", "content_block", "content_block", "history_end"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestChatStreamLastEventIDOverridesSince(t *testing.T) {
	env := newTestEnv(t, "")

	meta, err := env.store.CreateSession(env.cfg.Workdir, "")
	if err != nil {
		t.Fatal(err)
	}
	w, err := env.store.OpenWriter(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for i := 0; i < 4; i++ {
		w.Append(journal.EventContentBlock, journal.ContentBlock{Block: journal.TextBlock("x")})
	}
	w.Commit(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", env.ts.URL+"/api/chat-stream?session="+meta.ID+"&since=0", nil)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	replayed := 0
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "event: content_block" {
			replayed++
		}
		if line == "event: history_end" {
			break
		}
	}
	if replayed != 1 {
		t.Errorf("replayed %d records, want 1 (header overrides since)", replayed)
	}
}

func TestStreamStats(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.request(t, "GET", "/api/chat-stream/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Tailers []tailer.Stats `json:"tailers"`
	}
	decode(t, resp, &body)
	if len(body.Tailers) != 0 {
		t.Errorf("expected no tailers, got %v", body.Tailers)
	}
}

func TestUploadAndBrowse(t *testing.T) {
	env := newTestEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "shot.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("fake-png-bytes"))
	mw.Close()

	req, _ := http.NewRequest("POST", env.ts.URL+"/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var uploaded map[string]string
	decode(t, resp, &uploaded)
	if !strings.HasSuffix(uploaded["path"], ".png") {
		t.Errorf("path = %q, want .png suffix", uploaded["path"])
	}
	data, err := os.ReadFile(uploaded["path"])
	if err != nil || string(data) != "fake-png-bytes" {
		t.Errorf("saved file = %q err=%v", data, err)
	}

	// Browse the workdir: one visible file, dotfiles hidden.
	os.WriteFile(filepath.Join(env.cfg.Workdir, "visible.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(env.cfg.Workdir, ".hidden"), []byte("x"), 0644)
	os.Mkdir(filepath.Join(env.cfg.Workdir, "subdir"), 0755)

	resp = env.request(t, "GET", "/api/browse?path="+env.cfg.Workdir, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("browse status = %d", resp.StatusCode)
	}
	var browsed struct {
		Path    string     `json:"path"`
		Entries []dirEntry `json:"entries"`
	}
	decode(t, resp, &browsed)
	if len(browsed.Entries) != 2 {
		t.Fatalf("entries = %+v, want subdir + visible.txt", browsed.Entries)
	}
	if !browsed.Entries[0].IsDir || browsed.Entries[0].Name != "subdir" {
		t.Errorf("directories should sort first: %+v", browsed.Entries)
	}
	if browsed.Entries[1].Name != "visible.txt" {
		t.Errorf("entries = %+v", browsed.Entries)
	}
}

func TestBrowseOutsideWorkdirForbidden(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.request(t, "GET", "/api/browse?path=/etc", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTerminalTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret-test-secret-32bytes!")
	sessionID := "11111111-2222-4333-8444-555555555555"

	token, err := issueTerminalToken(secret, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := validateTerminalToken(secret, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.SessionID != sessionID {
		t.Errorf("sessionID = %q", claims.SessionID)
	}

	if _, err := validateTerminalToken([]byte("wrong-secret"), token); err == nil {
		t.Error("expected error with wrong secret")
	}
	if _, err := validateTerminalToken(secret, token+"x"); err == nil {
		t.Error("expected error for tampered token")
	}
}

func TestTerminalTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "GET", "/api/terminal/token", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no session: status = %d, want 400", resp.StatusCode)
	}

	resp = env.request(t, "GET", "/api/terminal/token?session=11111111-2222-4333-8444-555555555555", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["token"] == "" {
		t.Error("empty token")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, "key123")

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/sessions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("separate IP has its own bucket")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4321"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("clientIP = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}

func TestUploadName(t *testing.T) {
	a := uploadName("shot.png")
	b := uploadName("shot.png")
	if a == b {
		t.Error("names should be unique")
	}
	if !strings.HasSuffix(a, ".png") {
		t.Errorf("name = %q", a)
	}
	if got := uploadName("noext"); filepath.Ext(got) != "" {
		t.Errorf("unexpected extension on %q", got)
	}
}
