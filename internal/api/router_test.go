package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/secretstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Admin:   config.AdminConfig{Password: "letmein-admin"},
		Session: config.SessionConfig{CookieName: "balancer", Secret: "router-test-secret"},
		Instances: config.InstancesConfig{
			Max:            10,
			IdleThreshold:  time.Hour,
			ReaperInterval: time.Hour,
			PasscodeCost:   4,
			APITimeout:     5 * time.Second,
		},
		Provider: config.ProviderConfig{Name: "none"},
		Workloads: config.WorkloadsConfig{
			DeploymentContext: "test",
			AppImage:          "wrongsecrets:test",
			DesktopImage:      "desktop:test",
			ChallengeImage:    "challenge:test",
		},
	}
}

// apiServerEndpoints mirrors what every cluster carries in the default
// namespace; the network policy builder reads it.
func apiServerEndpoints() *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: "kubernetes", Namespace: "default"},
		Subsets: []corev1.EndpointSubset{
			{Addresses: []corev1.EndpointAddress{{IP: "10.0.0.1"}}},
		},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, kubernetes.Interface) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clientset := fake.NewSimpleClientset(apiServerEndpoints())
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			secretstore.SecretProviderClassGVR: "SecretProviderClassList",
		})
	client := kube.NewClient(clientset, dyn, "test", 5*time.Second)

	cfg := testConfig()
	tunables := config.NewTunableStore(cfg)

	router, bg, err := NewRouter(cfg, client, tunables, testLogger())
	require.NoError(t, err)
	t.Cleanup(bg.Shutdown)
	return router, clientset
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/balancer/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLandingReportsLoginState(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/balancer", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["loggedIn"])
}

func TestJoinProvisionsThroughTheFullStack(t *testing.T) {
	router, clientset := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/balancer/teams/team42/join", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Created Instance", body["message"])
	assert.NotEmpty(t, body["passcode"])

	ns, err := clientset.CoreV1().Namespaces().Get(context.Background(), "t-team42", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "t-team42", ns.Name)

	deployments, err := clientset.AppsV1().Deployments("t-team42").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, deployments.Items, 3)

	// The cookie from the join authenticates the landing route.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	statusReq := httptest.NewRequest(http.MethodGet, "/balancer", nil)
	statusReq.AddCookie(cookies[0])
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	assert.Equal(t, true, status["loggedIn"])
	assert.Equal(t, "team42", status["name"])
}

func TestAdminJoinAndListing(t *testing.T) {
	router, _ := newTestRouter(t)

	payload, err := json.Marshal(map[string]string{"passcode": "letmein-admin"})
	require.NoError(t, err)
	joinReq := httptest.NewRequest(http.MethodPost, "/balancer/teams/admin/join", bytes.NewReader(payload))
	joinReq.Header.Set("Content-Type", "application/json")
	joinRec := httptest.NewRecorder()
	router.ServeHTTP(joinRec, joinReq)
	require.Equal(t, http.StatusOK, joinRec.Code)

	cookies := joinRec.Result().Cookies()
	require.Len(t, cookies, 1)

	listReq := httptest.NewRequest(http.MethodGet, "/balancer/admin/all", nil)
	listReq.AddCookie(cookies[0])
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)
}

func TestUnknownPathRedirectsToBalancer(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rest/some-app-route", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/balancer", rec.Header().Get("Location"))
}
