package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/session"
)

type stubInstances struct {
	instance *kube.Instance
	err      error
}

func (s stubInstances) GetInstance(context.Context, string) (*kube.Instance, error) {
	return s.instance, s.err
}

type recordingToucher struct {
	mu    sync.Mutex
	teams []string
}

func (r *recordingToucher) TouchLastRequest(_ context.Context, team string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams = append(r.teams, team)
	return nil
}

func (r *recordingToucher) touched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.teams...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRouter(t *testing.T, instances InstanceGetter, toucher ActivityToucher, upstream string) (*gin.Engine, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := session.NewManager(config.SessionConfig{
		CookieName: "balancer",
		Secret:     "test-secret-test-secret-test-secret",
	})
	activity := NewActivityRecorder(toucher, 16, time.Second, discardLogger())
	t.Cleanup(activity.Close)

	handler := NewHandler(sessions, instances, activity, discardLogger())
	if upstream != "" {
		handler.upstreamHost = func(string, bool) string { return upstream }
	}

	r := gin.New()
	r.Use(sessions.Authenticate())
	r.NoRoute(handler.Serve)
	return r, sessions
}

// closeNotifyRecorder adds the http.CloseNotifier method that
// httptest.ResponseRecorder lacks; gin's ResponseWriter delegates
// CloseNotify to the underlying writer and panics without it.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

func readyInstance() *kube.Instance {
	return &kube.Instance{Team: "team-42", Ready: true, ReadyReplicas: 1}
}

func TestProxyWithoutSessionRedirects(t *testing.T) {
	r, _ := testRouter(t, stubInstances{instance: readyInstance()}, &recordingToucher{}, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/balancer", w.Header().Get("Location"))
}

func TestProxyMissingInstanceClearsSession(t *testing.T) {
	r, sessions := testRouter(t, stubInstances{err: kube.ErrInstanceNotFound}, &recordingToucher{}, "")

	token, err := sessions.Issue("team-42")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	// the stale cookie must be expired on the response
	found := false
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == "balancer" && cookie.MaxAge < 0 {
			found = true
		}
	}
	assert.True(t, found, "expected an expiring session cookie")
}

func TestProxyUnreadyInstanceReturns503(t *testing.T) {
	instance := &kube.Instance{Team: "team-42", Ready: false}
	r, sessions := testRouter(t, stubInstances{instance: instance}, &recordingToucher{}, "")

	token, err := sessions.Issue("team-42")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestProxyForwardsToUpstreamAndRecordsActivity(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from instance"))
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	toucher := &recordingToucher{}
	r, sessions := testRouter(t, stubInstances{instance: readyInstance()}, toucher, upstreamURL.Host)

	token, err := sessions.Issue("team-42")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/challenges", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: token})
	w := newCloseNotifyRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from instance", w.Body.String())
	assert.Equal(t, "/api/challenges", w.Header().Get("X-Upstream-Path"))

	require.Eventually(t, func() bool {
		return len(toucher.touched()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"team-42"}, toucher.touched())
}

func TestProxyStripsDesktopPrefix(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	r, sessions := testRouter(t, stubInstances{instance: readyInstance()}, &recordingToucher{}, upstreamURL.Host)

	token, err := sessions.Issue("team-42")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/desktop/vnc.html", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: token})
	w := newCloseNotifyRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/vnc.html", w.Header().Get("X-Upstream-Path"))
}

func TestClusterUpstreamHost(t *testing.T) {
	assert.Equal(t, "t-team-42-wrongsecrets.t-team-42.svc.cluster.local:8080",
		clusterUpstreamHost("team-42", false))
	assert.Equal(t, "t-team-42-virtualdesktop.t-team-42.svc.cluster.local:8080",
		clusterUpstreamHost("team-42", true))
}

func TestActivityRecorderDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	blocking := &blockingToucher{release: block}
	recorder := NewActivityRecorder(blocking, 1, time.Second, discardLogger())

	// first fills the worker, second fills the queue, third is dropped
	recorder.Record("a")
	recorder.Record("b")
	recorder.Record("c")

	close(block)
	recorder.Close()
	assert.LessOrEqual(t, len(blocking.seen()), 2)
}

type blockingToucher struct {
	mu      sync.Mutex
	teams   []string
	release chan struct{}
}

func (b *blockingToucher) TouchLastRequest(_ context.Context, team string) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teams = append(b.teams, team)
	return nil
}

func (b *blockingToucher) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.teams...)
}
