package controller

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wudi/hangar/internal/agent"
	"github.com/wudi/hangar/internal/config"
	hangarerrors "github.com/wudi/hangar/internal/errors"
	"github.com/wudi/hangar/internal/metrics"
	"github.com/wudi/hangar/internal/store"
)

type fakeAgent struct {
	mu      sync.Mutex
	runs    []agent.RunRequest
	stops   []string
	removed []string

	runErr    error
	stopErr   error
	removeErr error

	// onRun, when set, runs while the dispatch call is still in flight,
	// before Run returns its error.
	onRun func(req agent.RunRequest)
}

func (f *fakeAgent) Run(ctx context.Context, req agent.RunRequest) error {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	err := f.runErr
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun(req)
	}
	return err
}

func (f *fakeAgent) Restart(ctx context.Context, req agent.RunRequest) error {
	req.ReuseImage = true
	return f.Run(ctx, req)
}

func (f *fakeAgent) Stop(ctx context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, appID)
	return f.stopErr
}

func (f *fakeAgent) RemoveRoute(ctx context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, appID)
	return f.removeErr
}

func (f *fakeAgent) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func (f *fakeAgent) lastRun() (agent.RunRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return agent.RunRequest{}, false
	}
	return f.runs[len(f.runs)-1], true
}

type testEnv struct {
	controller *Controller
	agent      *fakeAgent
	store      *store.Store
	server     *httptest.Server
	token      string
}

func newTestEnv(t *testing.T, portStart, portEnd int) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.ControllerConfig{
		AgentURL:         "http://127.0.0.1:1",
		DatabasePath:     filepath.Join(root, "hangar.db"),
		UploadDir:        filepath.Join(root, "uploads"),
		LogDir:           filepath.Join(root, "logs"),
		TemplateDir:      filepath.Join(root, "templates"),
		PortStart:        portStart,
		PortEnd:          portEnd,
		SecretKey:        "test-secret",
		AdminPassword:    "test-admin-pass",
		TokenTTL:         time.Hour,
		WatchdogInterval: 50 * time.Millisecond,
		HeartbeatExpiry:  time.Minute,
		AgentTimeout:     time.Second,
		AgentStopTimeout: time.Second,
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fa := &fakeAgent{}
	m := metrics.New()
	c, err := New(cfg, st, fa, m)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	s := NewServer("127.0.0.1:0", c, m.Handler())
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)

	env := &testEnv{controller: c, agent: fa, store: st, server: ts}
	env.token = env.login(t, "admin", cfg.AdminPassword)
	return env
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(e.server.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if out.TokenType != "bearer" || out.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", out)
	}
	return out.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// zipBundle builds an in-memory zip with the given name->content entries.
func zipBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func uploadBody(t *testing.T, fields map[string]string, filename string, bundle []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(bundle)
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func (e *testEnv) uploadApp(t *testing.T, name string) string {
	t.Helper()
	bundle := zipBundle(t, map[string]string{"app.py": "print('hi')\n"})
	body, ct := uploadBody(t, map[string]string{"name": name}, "bundle.zip", bundle)
	resp := e.do(t, http.MethodPost, "/upload", body, ct)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var out struct {
		AppID  string `json:"app_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if out.Status != store.StatusBuilding {
		t.Fatalf("status = %q, want building", out.Status)
	}
	return out.AppID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestUploadDeploysSourceBundle(t *testing.T) {
	env := newTestEnv(t, 19000, 19010)
	appID := env.uploadApp(t, "demo")

	app, err := env.store.GetApp(appID)
	if err != nil {
		t.Fatalf("get app: %v", err)
	}
	if app.Kind != "source" {
		t.Errorf("kind = %q, want source", app.Kind)
	}
	if app.Port == nil || *app.Port < 19000 || *app.Port >= 19010 {
		t.Errorf("port = %v, want in [19000,19010)", app.Port)
	}
	if app.URL != "/apps/"+appID+"/" {
		t.Errorf("url = %q", app.URL)
	}

	run, ok := env.agent.lastRun()
	if !ok {
		t.Fatal("agent never dispatched")
	}
	if run.AppID != appID || run.Kind != "source" || run.Port != *app.Port {
		t.Errorf("unexpected run request: %+v", run)
	}
}

func TestUploadRejectsBadFilename(t *testing.T) {
	env := newTestEnv(t, 19020, 19030)
	bundle := zipBundle(t, map[string]string{"app.py": ""})
	body, ct := uploadBody(t, map[string]string{"name": "x"}, "../evil.zip", bundle)
	resp := env.do(t, http.MethodPost, "/upload", body, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadNameConflict(t *testing.T) {
	env := newTestEnv(t, 19040, 19050)
	env.uploadApp(t, "dup")

	bundle := zipBundle(t, map[string]string{"app.py": ""})
	body, ct := uploadBody(t, map[string]string{"name": "dup"}, "bundle.zip", bundle)
	resp := env.do(t, http.MethodPost, "/upload", body, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUploadZipTraversalRejected(t *testing.T) {
	env := newTestEnv(t, 19060, 19070)
	bundle := zipBundle(t, map[string]string{"../escape.py": "boom"})
	body, ct := uploadBody(t, map[string]string{"name": "bad"}, "bundle.zip", bundle)
	resp := env.do(t, http.MethodPost, "/upload", body, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, err := env.store.GetAppByName("bad"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("app row should not exist, got err=%v", err)
	}
}

func TestUploadPoolExhausted(t *testing.T) {
	env := newTestEnv(t, 19080, 19081) // one port
	env.uploadApp(t, "first")

	bundle := zipBundle(t, map[string]string{"app.py": ""})
	body, ct := uploadBody(t, map[string]string{"name": "second"}, "bundle.zip", bundle)
	resp := env.do(t, http.MethodPost, "/upload", body, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestUploadDispatchFailureReleasesPort(t *testing.T) {
	env := newTestEnv(t, 19090, 19091) // one port
	env.agent.runErr = hangarerrors.ErrAgentUnreachable

	bundle := zipBundle(t, map[string]string{"app.py": ""})
	body, ct := uploadBody(t, map[string]string{"name": "down"}, "bundle.zip", bundle)
	resp := env.do(t, http.MethodPost, "/upload", body, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	app, err := env.store.GetAppByName("down")
	if err != nil {
		t.Fatalf("get app: %v", err)
	}
	if app.Status != store.StatusError {
		t.Errorf("status = %q, want error", app.Status)
	}
	if app.Port != nil {
		t.Errorf("port not cleared: %v", *app.Port)
	}

	// The single port must be reusable now.
	env.agent.runErr = nil
	env.uploadApp(t, "retry")
}

func TestDispatchFailureSparesConcurrentlyReissuedPort(t *testing.T) {
	env := newTestEnv(t, 19340, 19341) // one port
	env.agent.runErr = hangarerrors.ErrAgentUnreachable

	// While the dispatch is still in flight, the agent posts a terminal
	// status (releasing the port) and another deployment checks it out.
	// The upload's failure path must not release that port a second time.
	reissued := make(chan int, 1)
	env.agent.onRun = func(req agent.RunRequest) {
		body, _ := json.Marshal(map[string]string{"app_id": req.AppID, "status": store.StatusError})
		resp, err := http.Post(env.server.URL+"/update_status", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Errorf("status callback: %v", err)
			return
		}
		resp.Body.Close()
		port, err := env.controller.pool.Checkout()
		if err != nil {
			t.Errorf("checkout of released port: %v", err)
			return
		}
		reissued <- port
	}

	bundle := zipBundle(t, map[string]string{"app.py": ""})
	body, ct := uploadBody(t, map[string]string{"name": "racer"}, "bundle.zip", bundle)
	resp := env.do(t, http.MethodPost, "/upload", body, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	port := <-reissued
	if free := env.controller.pool.Free(); free != 0 {
		t.Fatalf("port %d went back to the pool while checked out (free = %d)", port, free)
	}
}

func TestUpdateStatusRunning(t *testing.T) {
	env := newTestEnv(t, 19100, 19110)
	appID := env.uploadApp(t, "run-me")

	body, _ := json.Marshal(map[string]any{
		"app_id": appID, "status": store.StatusRunning, "gpus": []int{0, 1},
	})
	resp := env.do(t, http.MethodPost, "/update_status", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	app, _ := env.store.GetApp(appID)
	if app.Status != store.StatusRunning {
		t.Errorf("status = %q", app.Status)
	}
	if app.LastHeartbeat == nil {
		t.Error("heartbeat not set on transition to running")
	}
	if len(app.GPUs) != 2 || app.GPUs[0] != 0 || app.GPUs[1] != 1 {
		t.Errorf("gpus = %v", app.GPUs)
	}
}

func TestUpdateStatusTerminalReleasesPort(t *testing.T) {
	env := newTestEnv(t, 19120, 19121) // one port
	appID := env.uploadApp(t, "finisher")

	body, _ := json.Marshal(map[string]string{"app_id": appID, "status": store.StatusFinished})
	resp := env.do(t, http.MethodPost, "/update_status", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	app, _ := env.store.GetApp(appID)
	if app.Status != store.StatusFinished {
		t.Errorf("status = %q", app.Status)
	}
	if app.Port != nil {
		t.Errorf("port not cleared: %v", *app.Port)
	}
	env.uploadApp(t, "next") // the released port is free again
}

func TestUpdateStatusUnknownAppIs404(t *testing.T) {
	env := newTestEnv(t, 19130, 19140)
	body, _ := json.Marshal(map[string]string{"app_id": "gone", "status": store.StatusRunning})
	resp := env.do(t, http.MethodPost, "/update_status", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHeartbeatOnlyRefreshesRunningApps(t *testing.T) {
	env := newTestEnv(t, 19150, 19160)
	appID := env.uploadApp(t, "beater")

	body, _ := json.Marshal(map[string]string{"app_id": appID})
	resp := env.do(t, http.MethodPost, "/heartbeat", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	app, _ := env.store.GetApp(appID)
	if app.LastHeartbeat != nil {
		t.Error("heartbeat recorded for a non-running app")
	}

	up, _ := json.Marshal(map[string]string{"app_id": appID, "status": store.StatusRunning})
	env.do(t, http.MethodPost, "/update_status", up, "application/json").Body.Close()
	env.do(t, http.MethodPost, "/heartbeat", body, "application/json").Body.Close()
	app, _ = env.store.GetApp(appID)
	if app.LastHeartbeat == nil {
		t.Error("heartbeat not recorded for a running app")
	}
}

func TestStopFallsBackToRouteRemoval(t *testing.T) {
	env := newTestEnv(t, 19170, 19180)
	appID := env.uploadApp(t, "stopper")
	env.agent.stopErr = hangarerrors.ErrAgentUnreachable

	resp := env.do(t, http.MethodPost, "/stop/"+appID, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitFor(t, func() bool {
		app, err := env.store.GetApp(appID)
		return err == nil && app.Status == store.StatusStopped
	})
	app, _ := env.store.GetApp(appID)
	if app.Port != nil {
		t.Errorf("port not cleared: %v", *app.Port)
	}
	env.agent.mu.Lock()
	removed := len(env.agent.removed)
	env.agent.mu.Unlock()
	if removed != 1 {
		t.Errorf("route removals = %d, want 1", removed)
	}
}

func TestStopLeavesFinalTransitionToAgent(t *testing.T) {
	env := newTestEnv(t, 19190, 19200)
	appID := env.uploadApp(t, "graceful")

	resp := env.do(t, http.MethodPost, "/stop/"+appID, nil, "")
	resp.Body.Close()
	waitFor(t, func() bool { return env.agent.stopCount() == 1 })

	app, _ := env.store.GetApp(appID)
	if app.Status != store.StatusStopping {
		t.Fatalf("status = %q, want stopping until the agent calls back", app.Status)
	}
}

func TestRestartReclaimsPort(t *testing.T) {
	env := newTestEnv(t, 19210, 19220)
	appID := env.uploadApp(t, "phoenix")

	// Simulate a finished app: terminal status clears the port.
	body, _ := json.Marshal(map[string]string{"app_id": appID, "status": store.StatusFinished})
	env.do(t, http.MethodPost, "/update_status", body, "application/json").Body.Close()

	resp := env.do(t, http.MethodPost, "/restart/"+appID, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	app, _ := env.store.GetApp(appID)
	if app.Status != store.StatusBuilding {
		t.Errorf("status = %q, want building", app.Status)
	}
	if app.Port == nil {
		t.Fatal("port not re-allocated")
	}
	run, _ := env.agent.lastRun()
	if !run.ReuseImage {
		t.Error("restart should reuse the built image")
	}
}

func TestDeleteAppRemovesRowBeforeAgentStop(t *testing.T) {
	env := newTestEnv(t, 19230, 19240)
	appID := env.uploadApp(t, "doomed")

	resp := env.do(t, http.MethodDelete, "/apps/"+appID, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, err := env.store.GetApp(appID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("row should be gone, err=%v", err)
	}
	waitFor(t, func() bool { return env.agent.stopCount() == 1 })
}

func TestWatchdogExpiresStaleApps(t *testing.T) {
	env := newTestEnv(t, 19250, 19251) // one port
	appID := env.uploadApp(t, "silent")

	body, _ := json.Marshal(map[string]string{"app_id": appID, "status": store.StatusRunning})
	env.do(t, http.MethodPost, "/update_status", body, "application/json").Body.Close()

	// Jump the clock past the heartbeat expiry window.
	env.controller.now = func() time.Time { return time.Now().Add(90 * time.Second) }
	env.controller.expireStaleApps()

	app, _ := env.store.GetApp(appID)
	if app.Status != store.StatusError {
		t.Errorf("status = %q, want error", app.Status)
	}
	if app.Port != nil {
		t.Errorf("port not cleared: %v", *app.Port)
	}
	waitFor(t, func() bool { return env.agent.stopCount() == 1 })

	env.controller.now = time.Now
	env.uploadApp(t, "replacement") // the reclaimed port is usable
}

func TestWatchdogSparesFreshApps(t *testing.T) {
	env := newTestEnv(t, 19260, 19270)
	appID := env.uploadApp(t, "alive")

	body, _ := json.Marshal(map[string]string{"app_id": appID, "status": store.StatusRunning})
	env.do(t, http.MethodPost, "/update_status", body, "application/json").Body.Close()

	env.controller.expireStaleApps()
	app, _ := env.store.GetApp(appID)
	if app.Status != store.StatusRunning {
		t.Errorf("status = %q, fresh app must survive the watchdog", app.Status)
	}
}

func TestEditAppRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t, 19280, 19290)
	env.uploadApp(t, "one")
	twoID := env.uploadApp(t, "two")

	name := "one"
	body, _ := json.Marshal(map[string]any{"app_id": twoID, "name": name})
	resp := env.do(t, http.MethodPost, "/edit_app", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newTestEnv(t, 19300, 19310)
	resp, err := http.Get(env.server.URL + "/templates")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// The agent-facing read surface stays open, like the callbacks.
	resp, err = http.Get(env.server.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, /status must be reachable by the agent", resp.StatusCode)
	}
}

func TestCallbackEndpointsAreTokenExempt(t *testing.T) {
	env := newTestEnv(t, 19320, 19330)
	appID := env.uploadApp(t, "callback")

	// No Authorization header, as the agent sends them.
	body, _ := json.Marshal(map[string]string{"app_id": appID, "status": store.StatusBuilding})
	resp, err := http.Post(env.server.URL+"/update_status", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, callbacks must not require a token", resp.StatusCode)
	}
}
