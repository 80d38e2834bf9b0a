package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/event"
	"github.com/warden-sh/warden/internal/gateway"
	"github.com/warden-sh/warden/internal/supervisor"
)

// Dev-mode supervisor: no process is spawned, so the control surface can be
// exercised without a worker binary.
func newTestRouter(t *testing.T, basePath string) (*Router, *supervisor.Supervisor) {
	t.Helper()
	cfg := config.Default()
	cfg.DevMode = true
	bus := event.NewBus()
	sup := supervisor.New(cfg, bus, nil)
	gw := gateway.New(sup, bus, nil, cfg.Host, cfg.Port, cfg.CallTimeout)
	t.Cleanup(func() {
		sup.Shutdown()
		bus.Close()
	})
	return NewRouter(sup, gw, basePath), sup
}

func doReq(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, "/api")
	h := r.Handler()

	w := doReq(t, h, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var st supervisor.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if st.State != "stopped" {
		t.Errorf("state = %q, want stopped", st.State)
	}
	if !st.DevMode {
		t.Errorf("dev_mode not reported")
	}
}

func TestStartStopRestartEndpoints(t *testing.T) {
	r, sup := newTestRouter(t, "/api")
	h := r.Handler()

	if w := doReq(t, h, http.MethodPost, "/api/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start code = %d body=%s", w.Code, w.Body)
	}
	if !sup.IsRunning() {
		t.Fatal("supervisor not running after /start")
	}

	if w := doReq(t, h, http.MethodPost, "/api/restart", ""); w.Code != http.StatusOK {
		t.Fatalf("restart code = %d", w.Code)
	}

	if w := doReq(t, h, http.MethodPost, "/api/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop code = %d", w.Code)
	}
	if sup.IsRunning() {
		t.Fatal("supervisor running after /stop")
	}
}

func TestStartRequiresPost(t *testing.T) {
	r, _ := newTestRouter(t, "/api")
	h := r.Handler()
	if w := doReq(t, h, http.MethodGet, "/api/start", ""); w.Code == http.StatusOK {
		t.Fatalf("GET /start succeeded")
	}
}

func TestHealthzReportsUnreachableWorker(t *testing.T) {
	// Dev mode claims running, but nothing answers on the worker port.
	r, sup := newTestRouter(t, "/api")
	sup.Start()
	h := r.Handler()

	w := doReq(t, h, http.MethodGet, "/api/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz code = %d, want 503", w.Code)
	}
}

func TestHealthzProbesLiveWorker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	worker := &http.Server{Handler: mux}
	go func() { _ = worker.Serve(ln) }()
	t.Cleanup(func() { _ = worker.Close() })

	cfg := config.Default()
	cfg.DevMode = true
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	bus := event.NewBus()
	sup := supervisor.New(cfg, bus, nil)
	gw := gateway.New(sup, bus, nil, cfg.Host, cfg.Port, cfg.CallTimeout)
	t.Cleanup(func() {
		sup.Shutdown()
		bus.Close()
	})
	h := NewRouter(sup, gw, "/api").Handler()

	// the router holds one prober; repeated probes must keep working
	for i := 0; i < 3; i++ {
		if w := doReq(t, h, http.MethodGet, "/api/healthz", ""); w.Code != http.StatusOK {
			t.Fatalf("healthz request %d code = %d, want 200", i, w.Code)
		}
	}
}

func TestProxyWorkerDown(t *testing.T) {
	r, _ := newTestRouter(t, "/api")
	h := r.Handler()

	w := doReq(t, h, http.MethodGet, "/api/proxy/documents/search", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("proxy code = %d, want 502", w.Code)
	}
	var res gateway.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad proxy body: %v", err)
	}
	if res.Success || res.Err != "worker is not running" {
		t.Errorf("result = %+v", res)
	}
}

func TestBasePathVariants(t *testing.T) {
	for _, base := range []string{"", "/", "control", "/control/"} {
		r, _ := newTestRouter(t, base)
		h := r.Handler()
		want := sanitizeBase(base) + "/status"
		w := doReq(t, h, http.MethodGet, want, "")
		if w.Code != http.StatusOK {
			t.Errorf("base %q: GET %s = %d", base, want, w.Code)
		}
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"/":         "",
		"api":       "/api",
		"/api":      "/api",
		"/api/":     "/api",
		" /api ":    "/api",
		"/api/v1//": "/api/v1",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRawBodyPassthrough(t *testing.T) {
	valid := rawBody(`{"q":"invoice"}`)
	b, err := json.Marshal(valid)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"q":"invoice"}` {
		t.Errorf("valid JSON re-encoded: %s", b)
	}

	invalid := rawBody("not json")
	b, err = json.Marshal(invalid)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"not json"` {
		t.Errorf("invalid JSON not stringified: %s", b)
	}
}

func TestNewServerServes(t *testing.T) {
	cfg := config.Default()
	cfg.DevMode = true
	bus := event.NewBus()
	sup := supervisor.New(cfg, bus, nil)
	gw := gateway.New(sup, bus, nil, cfg.Host, cfg.Port, cfg.CallTimeout)
	t.Cleanup(func() {
		sup.Shutdown()
		bus.Close()
	})

	srv, err := NewServer("127.0.0.1:0", "/api", sup, gw)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Close() }()

	// Addr with port 0 is resolved by the listener inside ListenAndServe;
	// hit the handler directly instead of racing for the bound address.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
