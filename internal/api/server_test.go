package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/logging"
	"github.com/router-for-me/copilotctl/internal/proxyproc"
	"github.com/router-for-me/copilotctl/internal/session"
	"github.com/router-for-me/copilotctl/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type stubProcess struct {
	mu      sync.Mutex
	running bool
	last    copilot.Credential
}

func (p *stubProcess) Start(_ context.Context, _ config.CopilotConfig, cred copilot.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.last = cred
	return nil
}

func (p *stubProcess) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

func (p *stubProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *stubProcess) Detect(context.Context) (*proxyproc.Detection, error) {
	return &proxyproc.Detection{Installed: true, Version: "0.5.14", CopilotBin: "/usr/local/bin/copilot-api"}, nil
}

func (p *stubProcess) Install(context.Context) (*proxyproc.InstallResult, error) {
	return &proxyproc.InstallResult{Success: false, Message: "npm not found"}, nil
}

type githubStub struct {
	mu    sync.Mutex
	reply string
}

func (g *githubStub) set(reply string) {
	g.mu.Lock()
	g.reply = reply
	g.mu.Unlock()
}

func (g *githubStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login/device/code", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"device_code":"D1","user_code":"ABCD-1234","verification_uri":"https://github.com/login/device","expires_in":900,"interval":5}`)
	})
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		reply := g.reply
		g.mu.Unlock()
		if reply == "" {
			reply = `{"error":"authorization_pending"}`
		}
		_, _ = fmt.Fprint(w, reply)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"login":"octocat"}`)
	})
	return mux
}

type apiFixture struct {
	srv   *Server
	mgr   *session.Manager
	proc  *stubProcess
	gh    *githubStub
	store *store.FileStore
	logs  *logging.RingBuffer
}

func newAPIFixture(t *testing.T, opts ...ServerOption) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gh := &githubStub{}
	ghSrv := httptest.NewServer(gh.handler())
	t.Cleanup(ghSrv.Close)

	cfg := config.NewDefaultConfig()
	cfg.Debug = true
	cfg.OAuth = config.OAuthConfig{
		DeviceCodeURL: ghSrv.URL + "/login/device/code",
		TokenURL:      ghSrv.URL + "/login/oauth/access_token",
		UserURL:       ghSrv.URL + "/user",
	}

	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	proc := &stubProcess{}
	mgr, err := session.NewManager(session.Options{
		Config:  config.DefaultCopilotConfig(),
		Store:   fs,
		Process: proc,
		Auth:    copilot.NewCopilotAuth(cfg),
		Persist: func(config.CopilotConfig) error { return nil },
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	logs := logging.NewRingBuffer(50)
	opts = append([]ServerOption{WithLogBuffer(logs), WithManagementPassword("")}, opts...)
	return &apiFixture{
		srv:   NewServer(cfg, mgr, opts...),
		mgr:   mgr,
		proc:  proc,
		gh:    gh,
		store: fs,
		logs:  logs,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return f.doContext(t, context.Background(), method, path, body)
}

func (f *apiFixture) doContext(t *testing.T, ctx context.Context, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequestWithContext(ctx, method, path, nil)
	} else {
		req = httptest.NewRequestWithContext(ctx, method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestServer_Healthz(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "127.0.0.1:8318", f.srv.Addr())
	require.NotEmpty(t, rec.Header().Get(logging.RequestIDHeader))
}

func TestServer_StatusBeforeLogin(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.do(t, http.MethodGet, "/v0/copilot/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["running"])
	require.Equal(t, false, body["authenticated"])
	require.Equal(t, float64(4141), body["port"])
	require.Equal(t, "http://localhost:4141", body["endpoint"])
	require.Equal(t, "individual", body["accountType"])
}

func TestServer_LoginFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/v0/copilot/auth/start", `{"account":"work"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "ABCD-1234", body["userCode"])
	require.Equal(t, "https://github.com/login/device", body["verificationUri"])
	require.Equal(t, "work", body["account"])
	require.NotContains(t, rec.Body.String(), "D1", "the device code stays on the server")

	rec, body = f.do(t, http.MethodPost, "/v0/copilot/auth/start?account=work", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "flow_in_progress", body["code"])

	rec, body = f.do(t, http.MethodPost, "/v0/copilot/auth/poll", `{"account":"work"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "polling", body["state"])

	f.gh.set(`{"access_token":"ghu_octocat_token","token_type":"bearer"}`)
	rec, body = f.do(t, http.MethodPost, "/v0/copilot/auth/poll?account=work", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "succeeded", body["state"])
	require.Equal(t, "octocat", body["githubUser"])

	rec, body = f.do(t, http.MethodGet, "/v0/copilot/credentials", "")
	require.Equal(t, http.StatusOK, rec.Code)
	creds := body["credentials"].([]any)
	require.Len(t, creds, 1)
	cred := creds[0].(map[string]any)
	require.Equal(t, "octocat", cred["githubUser"])
	require.Equal(t, true, cred["active"])
	require.NotContains(t, rec.Body.String(), "ghu_octocat_token")

	rec, body = f.do(t, http.MethodGet, "/v0/copilot/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["authenticated"])
	require.Equal(t, "octocat", body["githubUser"])
	require.Equal(t, "store", body["tokenSource"])
}

func TestServer_PollSurvivesClientDisconnect(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		state string
	}{
		{"pending", "", "polling"},
		{"granted", `{"access_token":"ghu_octocat_token"}`, "succeeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			rec, _ := f.do(t, http.MethodPost, "/v0/copilot/auth/start", "")
			require.Equal(t, http.StatusOK, rec.Code)

			gone, cancel := context.WithCancel(context.Background())
			cancel()
			f.gh.set(tt.reply)
			rec, body := f.doContext(t, gone, http.MethodPost, "/v0/copilot/auth/poll", "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Equal(t, tt.state, body["state"])

			if tt.state == "polling" {
				rec, body = f.do(t, http.MethodPost, "/v0/copilot/auth/poll", "")
				require.Equal(t, http.StatusOK, rec.Code, "the flow is still registered")
				require.Equal(t, "polling", body["state"])
			}
		})
	}
}

func TestServer_PollWithoutFlow(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v0/copilot/auth/poll", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", body["code"])

	rec, body = f.do(t, http.MethodPost, "/v0/copilot/auth/cancel", `{"account":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", body["code"])
}

func TestServer_DeniedFlowMapsToForbidden(t *testing.T) {
	f := newAPIFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/v0/copilot/auth/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	f.gh.set(`{"error":"access_denied"}`)
	rec, body := f.do(t, http.MethodPost, "/v0/copilot/auth/poll", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "user_denied", body["code"])

	rec, _ = f.do(t, http.MethodPost, "/v0/copilot/auth/start", "")
	require.Equal(t, http.StatusOK, rec.Code, "a denied flow frees the account")

	rec, body = f.do(t, http.MethodPost, "/v0/copilot/auth/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", body["status"])
}

func TestServer_ConfigRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPut, "/v0/copilot/config",
		`{"enabled":true,"port":5151,"accountType":"Business","githubToken":"ghu_configured_token","rateLimit":30,"rateLimitWait":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "business", body["accountType"])
	require.Equal(t, float64(5151), body["port"])
	masked := body["githubToken"].(string)
	require.NotEqual(t, "ghu_configured_token", masked)
	require.NotEmpty(t, masked)

	rec, body = f.do(t, http.MethodGet, "/v0/copilot/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, masked, body["githubToken"])
	require.Equal(t, float64(30), body["rateLimit"])

	// Echoing the masked token back keeps the real one.
	rec, _ = f.do(t, http.MethodPut, "/v0/copilot/config",
		`{"enabled":true,"port":5151,"accountType":"business","githubToken":"`+masked+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ghu_configured_token", f.mgr.Config().GitHubToken)
	require.Nil(t, f.mgr.Config().RateLimit)

	_, body = f.do(t, http.MethodGet, "/v0/copilot/status", "")
	require.Equal(t, true, body["authenticated"])
	require.Equal(t, "config", body["tokenSource"])
}

func TestServer_ConfigRejected(t *testing.T) {
	f := newAPIFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"port out of range", `{"port":70000}`},
		{"unknown account type", `{"accountType":"team"}`},
		{"zero rate limit", `{"rateLimit":0}`},
		{"malformed json", `{"port":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPut, "/v0/copilot/config", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "invalid_config", body["code"])
			require.Equal(t, config.DefaultCopilotConfig(), f.mgr.Config())
		})
	}
}

func TestServer_StartStopProxy(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/v0/copilot/start", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", body["code"])

	require.NoError(t, f.store.Save(context.Background(), copilot.Credential{GitHubUser: "octocat", GitHubToken: "ghu_stored", CreatedAt: 1}))
	require.NoError(t, f.mgr.SetActiveUser(context.Background(), "octocat"))

	rec, body = f.do(t, http.MethodPost, "/v0/copilot/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["running"])
	require.Equal(t, "ghu_stored", f.proc.last.GitHubToken)

	for i := 0; i < 2; i++ {
		rec, body = f.do(t, http.MethodPost, "/v0/copilot/stop", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, false, body["running"])
	}
}

func TestServer_DeleteCredential(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, copilot.Credential{GitHubUser: "old", GitHubToken: "ghu_old", CreatedAt: 1}))
	require.NoError(t, f.store.Save(ctx, copilot.Credential{GitHubUser: "octocat", GitHubToken: "ghu_new", CreatedAt: 2}))
	require.NoError(t, f.mgr.SetActiveUser(ctx, "octocat"))

	rec, _ := f.do(t, http.MethodDelete, "/v0/copilot/credentials/octocat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "old", f.mgr.ActiveUser())

	rec, _ = f.do(t, http.MethodDelete, "/v0/copilot/credentials/octocat", "")
	require.Equal(t, http.StatusOK, rec.Code, "deleting twice is not an error")

	rec, body := f.do(t, http.MethodDelete, "/v0/copilot/credentials/..", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_config", body["code"])
}

func TestServer_DetectAndInstall(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.do(t, http.MethodGet, "/v0/copilot/detect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["installed"])
	require.Equal(t, "0.5.14", body["version"])

	rec, body = f.do(t, http.MethodPost, "/v0/copilot/install", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "npm not found", body["message"])
}

func TestServer_Logs(t *testing.T) {
	f := newAPIFixture(t)
	logger := log.New()
	logger.AddHook(f.logs)
	logger.SetLevel(log.DebugLevel)
	logger.Debug("noise")
	logger.WithField("github_token", "ghu_0123456789abcdef").Warn("careful")

	rec, body := f.do(t, http.MethodGet, "/v0/logs?level=warn", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := body["lines"].([]any)
	require.Len(t, lines, 1)
	require.Equal(t, "careful", lines[0].(map[string]any)["message"])
	require.NotContains(t, rec.Body.String(), "0123456789ab")
	require.Equal(t, float64(2), body["total"])

	rec, _ = f.do(t, http.MethodGet, "/v0/logs?lines=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/v0/logs?level=loud", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ManagementPassword(t *testing.T) {
	f := newAPIFixture(t, WithManagementPassword("s3cret"))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"key header", "X-Management-Key", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v0/copilot/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}

	rec, _ := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "health checks stay open")
}

func TestServer_CORS(t *testing.T) {
	f := newAPIFixture(t)
	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:5173", "http://localhost:5173"},
		{"http://127.0.0.1", "http://127.0.0.1"},
		{"https://evil.example", ""},
		{"http://localhost.evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/v0/copilot/status", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"), tt.origin)
	}
}
