package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/portdaddy/portdaddy/internal/adapter/sqlite"
	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/service"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	cfg := config.Defaults()
	cfg.Ports.RangeStart = 43000
	cfg.Ports.RangeEnd = 43063
	cfg.Health.PollInterval = 10 * time.Millisecond
	cfg.Health.ProbeTimeout = 100 * time.Millisecond

	path := filepath.Join(t.TempDir(), "port-registry.db")
	db, err := sqlite.Open(ctx, config.Storage{Path: path, ReadPoolSize: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.RunMigrations(ctx, db.Write); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	store := sqlite.NewStore(db)

	hooks := service.NewWebhookService(store, &cfg.Webhooks, &cfg.Breaker)
	t.Cleanup(hooks.Stop)
	act := service.NewActivityService(store)
	alloc, err := service.NewPortAllocator(&cfg.Ports)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	agents := service.NewAgentService(store, &cfg.Agents, act, hooks)
	registry := service.NewRegistryService(store, alloc, agents, act, hooks)
	locks := service.NewLockService(store, &cfg.Locks, agents, act, hooks)
	hub := service.NewMessaging(store, &cfg.Messaging, hooks)
	prober := service.NewHealthProber(store, &cfg.Health, &cfg.Breaker)
	sessions := service.NewSessionService(store, act)
	res := service.NewResurrectionService(store, hub)

	h := &Handlers{
		Store:        store,
		Registry:     registry,
		Allocator:    alloc,
		Locks:        locks,
		Messaging:    hub,
		Health:       prober,
		Agents:       agents,
		Sessions:     sessions,
		Activity:     act,
		Webhooks:     hooks,
		Resurrection: res,
		Cfg:          &cfg,
		Version:      "test",
		CodeHash:     "deadbeef",
		StartedAt:    time.Now(),
		PID:          os.Getpid(),
	}
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv
}

// do issues a request with an X-PID header and decodes the JSON response.
func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PID", strconv.Itoa(os.Getpid()))

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestSemanticReuseScenario(t *testing.T) {
	srv := newTestServer(t)

	status, first := do(t, srv, http.MethodPost, "/claim", map[string]any{"id": "acme:api:main"})
	if status != http.StatusOK {
		t.Fatalf("claim status %d: %v", status, first)
	}
	if first["existing"] != false {
		t.Fatalf("first claim existing: %v", first)
	}
	port := first["port"]

	status, second := do(t, srv, http.MethodPost, "/claim", map[string]any{"id": "acme:api:main"})
	if status != http.StatusOK || second["existing"] != true || second["port"] != port {
		t.Fatalf("re-claim: status %d, %v", status, second)
	}

	status, got := do(t, srv, http.MethodGet, "/services/acme:api:main", nil)
	if status != http.StatusOK {
		t.Fatalf("get service: %d %v", status, got)
	}

	status, rel := do(t, srv, http.MethodDelete, "/release", map[string]any{"id": "acme:*"})
	if status != http.StatusOK || rel["released"] != float64(1) {
		t.Fatalf("release: status %d, %v", status, rel)
	}
	status, rel = do(t, srv, http.MethodDelete, "/release", map[string]any{"id": "acme:*"})
	if status != http.StatusOK || rel["released"] != float64(0) {
		t.Fatalf("second release: status %d, %v", status, rel)
	}
}

func TestClaimRequiresPIDHeader(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"id": "acme:api"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/claim", bytes.NewReader(body))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	var e map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if e["code"] != "PID_INVALID" {
		t.Fatalf("code %v", e["code"])
	}
}

func TestLockFencingScenario(t *testing.T) {
	srv := newTestServer(t)

	status, _ := do(t, srv, http.MethodPost, "/locks/migrate", map[string]any{"owner": "A", "ttl": 60000})
	if status != http.StatusOK {
		t.Fatalf("acquire: %d", status)
	}

	status, conflict := do(t, srv, http.MethodPost, "/locks/migrate", map[string]any{"owner": "B", "ttl": 60000})
	if status != http.StatusConflict || conflict["holder"] != "A" || conflict["code"] != "LOCK_HELD" {
		t.Fatalf("conflict: %d %v", status, conflict)
	}

	status, ext := do(t, srv, http.MethodPut, "/locks/migrate", map[string]any{"owner": "A", "ttl": 60000})
	if status != http.StatusOK || ext["expiresAt"] == nil {
		t.Fatalf("extend: %d %v", status, ext)
	}

	status, _ = do(t, srv, http.MethodDelete, "/locks/migrate", map[string]any{"owner": "B"})
	if status != http.StatusForbidden {
		t.Fatalf("unfenced release: %d", status)
	}
	status, _ = do(t, srv, http.MethodDelete, "/locks/migrate", map[string]any{"owner": "B", "force": true})
	if status != http.StatusOK {
		t.Fatalf("forced release: %d", status)
	}

	status, got := do(t, srv, http.MethodGet, "/locks/migrate", nil)
	if status != http.StatusOK || got["held"] != false {
		t.Fatalf("after release: %d %v", status, got)
	}
}

func TestMessagingRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	status, pub := do(t, srv, http.MethodPost, "/msg/build:done", map[string]any{"payload": map[string]any{"n": 1}})
	if status != http.StatusOK {
		t.Fatalf("publish: %d %v", status, pub)
	}
	firstID := pub["id"].(float64)

	status, pub = do(t, srv, http.MethodPost, "/msg/build:done", map[string]any{"payload": map[string]any{"n": 2}})
	if status != http.StatusOK {
		t.Fatalf("publish: %d", status)
	}

	status, got := do(t, srv, http.MethodGet, fmt.Sprintf("/msg/build:done?after=%d", int64(firstID)), nil)
	if status != http.StatusOK || got["count"] != float64(1) {
		t.Fatalf("get after: %d %v", status, got)
	}
	msgs := got["messages"].([]any)
	payload := msgs[0].(map[string]any)["payload"].(map[string]any)
	if payload["n"] != float64(2) {
		t.Fatalf("resume payload: %v", payload)
	}

	// Immediate long-poll: the message already exists.
	status, polled := do(t, srv, http.MethodGet, "/msg/build:done/poll?after=0&timeout=1000", nil)
	if status != http.StatusOK || polled["message"] == nil {
		t.Fatalf("poll: %d %v", status, polled)
	}

	// Empty payload is a validation failure.
	status, bad := do(t, srv, http.MethodPost, "/msg/build:done", map[string]any{})
	if status != http.StatusBadRequest || bad["code"] != "VALIDATION_ERROR" {
		t.Fatalf("empty payload: %d %v", status, bad)
	}
}

func TestFileConflictScenario(t *testing.T) {
	srv := newTestServer(t)

	status, s1 := do(t, srv, http.MethodPost, "/sessions", map[string]any{
		"purpose": "refactor", "files": []string{"a.ts", "b.ts"},
	})
	if status != http.StatusOK {
		t.Fatalf("start s1: %d %v", status, s1)
	}

	status, conflict := do(t, srv, http.MethodPost, "/sessions", map[string]any{
		"purpose": "touch b", "files": []string{"b.ts"},
	})
	if status != http.StatusConflict || conflict["code"] != "FILE_CONFLICT" {
		t.Fatalf("conflict: %d %v", status, conflict)
	}
	pairs := conflict["conflicts"].([]any)
	if len(pairs) != 1 || pairs[0].(map[string]any)["path"] != "b.ts" {
		t.Fatalf("conflict pairs: %v", pairs)
	}

	status, s2 := do(t, srv, http.MethodPost, "/sessions", map[string]any{
		"purpose": "touch b", "files": []string{"b.ts"}, "force": true,
	})
	if status != http.StatusOK {
		t.Fatalf("forced start: %d %v", status, s2)
	}

	// Ending s2 reports the released paths.
	status, ended := do(t, srv, http.MethodPut, "/sessions/"+s2["id"].(string), map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("end: %d %v", status, ended)
	}
	released := ended["releasedFiles"].([]any)
	if len(released) != 1 || released[0] != "b.ts" {
		t.Fatalf("releasedFiles: %v", released)
	}
}

func TestQuickNoteEndpoint(t *testing.T) {
	srv := newTestServer(t)

	status, note := do(t, srv, http.MethodPost, "/notes", map[string]any{
		"content": "handing off", "agentId": "agent-1", "type": "handoff",
	})
	if status != http.StatusOK || note["sessionCreated"] != true {
		t.Fatalf("quick note: %d %v", status, note)
	}

	status, second := do(t, srv, http.MethodPost, "/notes", map[string]any{
		"content": "more", "agentId": "agent-1",
	})
	if status != http.StatusOK || second["sessionId"] != note["sessionId"] {
		t.Fatalf("second note: %d %v", status, second)
	}
}

func TestWaitTimesOutWith408(t *testing.T) {
	srv := newTestServer(t)

	status, _ := do(t, srv, http.MethodPost, "/claim", map[string]any{"id": "acme:api"})
	if status != http.StatusOK {
		t.Fatalf("claim: %d", status)
	}

	status, body := do(t, srv, http.MethodGet, "/wait/acme:api?timeout=100", nil)
	if status != http.StatusRequestTimeout {
		t.Fatalf("wait: %d %v", status, body)
	}
	if body["code"] != "TIMEOUT" {
		t.Fatalf("code %v", body["code"])
	}

	// timeout=0: success iff the service exists.
	status, _ = do(t, srv, http.MethodGet, "/wait/acme:api?timeout=0", nil)
	if status != http.StatusOK {
		t.Fatalf("zero wait: %d", status)
	}
	status, _ = do(t, srv, http.MethodGet, "/wait/ghost:api?timeout=0", nil)
	if status != http.StatusNotFound {
		t.Fatalf("zero wait missing: %d", status)
	}
}

func TestWebhookRegistrationRejectsLoopback(t *testing.T) {
	srv := newTestServer(t)

	status, body := do(t, srv, http.MethodPost, "/webhooks", map[string]any{
		"url": "http://127.0.0.1:9999/hook", "events": []string{"service.claim"},
	})
	if status != http.StatusBadRequest || body["code"] != "SSRF_BLOCKED" {
		t.Fatalf("loopback webhook: %d %v", status, body)
	}
}

func TestAgentLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	status, reg := do(t, srv, http.MethodPost, "/agents", map[string]any{"id": "agent-1", "name": "builder"})
	if status != http.StatusOK || reg["registered"] != true {
		t.Fatalf("register: %d %v", status, reg)
	}
	status, _ = do(t, srv, http.MethodPost, "/agents/agent-1/heartbeat", nil)
	if status != http.StatusOK {
		t.Fatalf("heartbeat: %d", status)
	}
	status, list := do(t, srv, http.MethodGet, "/agents?active=true", nil)
	if status != http.StatusOK || list["count"] != float64(1) {
		t.Fatalf("list: %d %v", status, list)
	}
	status, _ = do(t, srv, http.MethodDelete, "/agents/agent-1", nil)
	if status != http.StatusOK {
		t.Fatalf("unregister: %d", status)
	}
}

func TestVersionAndHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	status, v := do(t, srv, http.MethodGet, "/version", nil)
	if status != http.StatusOK || v["version"] != "test" || v["codeHash"] != "deadbeef" {
		t.Fatalf("version: %d %v", status, v)
	}
	status, hth := do(t, srv, http.MethodGet, "/health", nil)
	if status != http.StatusOK || hth["status"] != "ok" {
		t.Fatalf("health: %d %v", status, hth)
	}
}

func TestSSEStreamDeliversPublishes(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/msg/build:done/subscribe", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// Publish once the stream is attached.
	go func() {
		time.Sleep(100 * time.Millisecond)
		body := bytes.NewReader([]byte(`{"payload":{"n":1}}`))
		pub, err := http.Post(srv.URL+"/msg/build:done", "application/json", body)
		if err == nil {
			pub.Body.Close()
		}
	}()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	var seen []byte
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if bytes.Contains(seen, []byte("event: connected")) && bytes.Contains(seen, []byte(`"n":1`)) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("stream did not deliver connected frame plus message, got: %s", seen)
}
