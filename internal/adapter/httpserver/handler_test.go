package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/metrics"
	"github.com/pbfleet/pbfleet-agent/internal/orchestrator"
	"github.com/pbfleet/pbfleet-agent/internal/registry"
	"github.com/pbfleet/pbfleet-agent/internal/switcher"
)

const testSecret = "test-secret"

type stubSupervisor struct {
	running map[string]bool
}

func (s *stubSupervisor) EnsureStarted(_ context.Context, name, _, _ string) error {
	s.running[name] = true
	return nil
}

func (s *stubSupervisor) Stop(_ context.Context, name string) error {
	if _, ok := s.running[name]; !ok {
		return domainerrors.NotFound{Kind: "process", Ref: name}
	}
	s.running[name] = false
	return nil
}

func (s *stubSupervisor) Restart(_ context.Context, name string) error {
	s.running[name] = true
	return nil
}

func (s *stubSupervisor) Delete(_ context.Context, name string) error {
	delete(s.running, name)
	return nil
}

func (s *stubSupervisor) Status(_ context.Context, name string) (domain.ProcessState, error) {
	up, ok := s.running[name]
	if !ok {
		return domain.ProcessState{}, domainerrors.NotFound{Kind: "process", Ref: name}
	}
	status := domain.StatusStopped
	if up {
		status = domain.StatusRunning
	}
	return domain.ProcessState{Name: name, Status: status}, nil
}

func (s *stubSupervisor) ListAll(ctx context.Context) (map[string]domain.ProcessState, error) {
	out := map[string]domain.ProcessState{}
	for name := range s.running {
		state, _ := s.Status(ctx, name)
		out[name] = state
	}
	return out, nil
}

func (s *stubSupervisor) Tail(context.Context, string, int) (string, error) {
	return "tail output\n", nil
}

type stubArtifacts struct {
	dir string
}

func (s *stubArtifacts) Ensure(_ context.Context, tag string) (string, error) {
	path := filepath.Join(s.dir, "pocketbase-"+tag)
	if err := os.WriteFile(path, []byte("binary "+tag), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

type stubBootstrapper struct{}

func (stubBootstrapper) CreateSuperuser(context.Context, string, string, string) error {
	return nil
}

type stubReleases struct{}

func (stubReleases) List(context.Context) ([]domain.Release, error) {
	return []domain.Release{
		{Tag: "0.24.0", Name: "v0.24.0", Assets: map[string]string{"linux_amd64": "https://dl.example/a.zip"}},
	}, nil
}

func (stubReleases) DownloadURL(_ context.Context, tag, _ string) (string, error) {
	return "", domainerrors.NotFound{Kind: "version", Ref: tag}
}

func newTestRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := &stubSupervisor{running: map[string]bool{}}
	artifacts := &stubArtifacts{dir: t.TempDir()}
	sw := switcher.New(reg, sup, artifacts, t.TempDir(), logger)
	sw.GracePeriod = time.Millisecond
	svc := orchestrator.New(reg, sup, artifacts, sw, stubBootstrapper{}, metrics.New(prometheus.NewRegistry()), t.TempDir(), 7200, logger)

	api := NewAPI(svc, stubReleases{}, logger)
	router := gin.New()
	router.Use(authMiddleware(testSecret))
	api.RegisterRoutes(router)
	return router
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Agent-Secret", testSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func createTestInstance(t *testing.T, router *gin.Engine, name string) string {
	rec := doJSON(router, http.MethodPost, "/instances", gin.H{"name": name, "version": "0.23.0"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode(t, rec)
	inst := resp.Data.(map[string]any)
	return inst["id"].(string)
}

func TestPingSkipsAuth(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/instances", nil)
	req.Header.Set("X-Agent-Secret", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateInstanceEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(router, http.MethodPost, "/instances", gin.H{"name": "blog", "version": "0.23.0"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode(t, rec)
	assert.True(t, resp.Ok)
	inst := resp.Data.(map[string]any)
	assert.Equal(t, "blog", inst["name"])
	assert.Equal(t, float64(7200), inst["port"])
}

func TestCreateInstanceValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(router, http.MethodPost, "/instances", gin.H{"name": "blog"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInstanceConflict(t *testing.T) {
	router := newTestRouter(t)
	createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodPost, "/instances", gin.H{"name": "blog", "version": "0.23.0"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Ok)
	assert.NotEmpty(t, resp.Error)
}

func TestGetInstanceNotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(router, http.MethodGet, "/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodPost, "/instances/"+id+"/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Starting twice conflicts.
	rec = doJSON(router, http.MethodPost, "/instances/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(router, http.MethodGet, "/instances/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec).Data.(map[string]any)
	process := status["process"].(map[string]any)
	assert.Equal(t, "running", process["status"])

	rec = doJSON(router, http.MethodPost, "/instances/"+id+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodDelete, "/instances/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodGet, "/instances/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetDomainEndpoint(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodPost, "/instances/"+id+"/domain", gin.H{"domain": "blog.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	inst := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, "blog.example.com", inst["domain"])
}

func TestDevModeWhileRunningConflicts(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodPost, "/instances/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodPost, "/instances/"+id+"/dev", gin.H{"enabled": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVersionsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(router, http.MethodGet, "/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	releases := resp.Data.([]any)
	require.Len(t, releases, 1)
	assert.Equal(t, "0.24.0", releases[0].(map[string]any)["tag"])
}

func TestLogsEndpoint(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodGet, "/instances/"+id+"/logs?lines=25", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, "tail output\n", data["logs"])
}

func TestFileUploadAndDownload(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files", "index.html")
	require.NoError(t, err)
	_, err = part.Write([]byte("<html>"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("path", "pb_public"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/instances/"+id+"/files/upload", &buf)
	req.Header.Set("X-Agent-Secret", testSecret)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/instances/"+id+"/files/download?path=pb_public%2Findex.html", nil)
	req.Header.Set("X-Agent-Secret", testSecret)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "index.html")
}

func TestFileDeleteProtected(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodPost, "/instances/"+id+"/files/delete", gin.H{"paths": []string{"run.sh"}})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, float64(0), result["deleted"])
	assert.Equal(t, float64(1), result["failed"])
	assert.Contains(t, result["errors"].(map[string]any), "run.sh")
}

func TestFileListEscapeRejected(t *testing.T) {
	router := newTestRouter(t)
	id := createTestInstance(t, router, "blog")

	rec := doJSON(router, http.MethodGet, "/instances/"+id+"/files?path="+strings.ReplaceAll("../../etc", "/", "%2F"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
