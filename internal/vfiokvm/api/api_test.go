package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/vfio-kvm/internal/vfiokvm/config"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/service"
	"github.com/jimyag/vfio-kvm/pkg/evdevx"
)

func newTestAPI(t *testing.T) (*API, *service.Service) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	linkDir := t.TempDir()
	opener := evdevx.NewMockOpener()
	opener.AddDevice(filepath.Join(linkDir, "kbd"))
	svc := service.New(cfg, service.WithOpener(opener), service.WithLinkDir(linkDir))
	t.Cleanup(svc.Stop)
	return New("127.0.0.1:0", svc), svc
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	api, _ := newTestAPI(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	api, svc := newTestAPI(t)
	require.True(t, svc.Prepare("win10", "prepare", "begin", `<domain>
  <name>win10</name>
  <devices>
    <input type='passthrough'>
      <source evdev='/dev/input/by-id/win10-kbd'/>
    </input>
  </devices>
</domain>`))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var st service.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "host device", st.Target)
	assert.False(t, st.Released)
	assert.Equal(t, []string{"host device", "win10"}, st.Targets)
	require.Len(t, st.Devices, 1)
}
