package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// controlPlane fakes the v2 HTTP control plane with an explicit model
// registry, the way the real server behaves in explicit control mode.
type controlPlane struct {
	mu     sync.Mutex
	ready  bool
	loaded map[string]bool
}

func newControlPlane(ready bool, models ...string) *controlPlane {
	cp := &controlPlane{ready: ready, loaded: map[string]bool{}}
	for _, m := range models {
		cp.loaded[m] = true
	}
	return cp
}

func (cp *controlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/health/ready", func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		ready := cp.ready
		cp.mu.Unlock()
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/v2/repository/index", func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		var entries []string
		for name, ready := range cp.loaded {
			state := "UNAVAILABLE"
			if ready {
				state = "READY"
			}
			entries = append(entries, `{"name":"`+name+`","version":"1","state":"`+state+`"}`)
		}
		w.Write([]byte("[" + strings.Join(entries, ",") + "]"))
	})
	mux.HandleFunc("/v2/repository/models/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// v2/repository/models/{name}/{load|unload}
		if len(parts) != 5 || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		name, action := parts[3], parts[4]
		cp.mu.Lock()
		defer cp.mu.Unlock()
		switch action {
		case "load":
			if _, known := cp.loaded[name]; !known {
				http.Error(w, "model not found in repository", http.StatusBadRequest)
				return
			}
			cp.loaded[name] = true
		case "unload":
			cp.loaded[name] = false
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	return mux
}

func controlFor(t *testing.T, cp *controlPlane) *HTTPControl {
	t.Helper()
	srv := httptest.NewServer(cp.handler())
	t.Cleanup(srv.Close)
	return NewHTTPControl(strings.TrimPrefix(srv.URL, "http://"))
}

func TestHTTPControlReady(t *testing.T) {
	ctrl := controlFor(t, newControlPlane(true))
	require.NoError(t, ctrl.Ready(context.Background()))
}

func TestHTTPControlNotReady(t *testing.T) {
	ctrl := controlFor(t, newControlPlane(false))
	require.Error(t, ctrl.Ready(context.Background()))
}

func TestHTTPControlLoadUnload(t *testing.T) {
	plane := newControlPlane(true, "resnet50")
	plane.loaded["resnet50"] = false
	ctrl := controlFor(t, plane)
	ctx := context.Background()

	st, err := ctrl.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.False(t, st.ModelReady("resnet50"))

	require.NoError(t, ctrl.Load(ctx, "resnet50"))
	st, err = ctrl.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.ModelReady("resnet50"))

	require.NoError(t, ctrl.Unload(ctx, "resnet50"))
	st, err = ctrl.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.ModelReady("resnet50"))
}

func TestHTTPControlLoadUnknownModel(t *testing.T) {
	ctrl := controlFor(t, newControlPlane(true))
	err := ctrl.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestRemoteVerifiesInsteadOfLoading(t *testing.T) {
	plane := newControlPlane(true, "resnet50")
	remote := NewRemote(testLogger(), controlFor(t, plane), nil, time.Second)
	ctx := context.Background()

	assert.False(t, remote.OwnsLifecycle())
	assert.False(t, remote.SupportsModelControl())

	require.NoError(t, remote.Start(ctx))
	require.NoError(t, remote.WaitReady(ctx))

	// Already loaded: verification passes without mutating the registry.
	require.NoError(t, remote.LoadModel(ctx, "resnet50"))
	assert.True(t, plane.loaded["resnet50"])

	// Not loaded remotely: verification fails, nothing is loaded.
	err := remote.LoadModel(ctx, "bert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded")

	// Unload and Stop never touch an externally owned server.
	require.NoError(t, remote.UnloadModel(ctx, "resnet50"))
	assert.True(t, plane.loaded["resnet50"])
	require.NoError(t, remote.Stop(ctx))
	assert.True(t, plane.ready)
}

func TestRemoteWaitReadyTimesOut(t *testing.T) {
	remote := NewRemote(testLogger(), controlFor(t, newControlPlane(false)), nil, 50*time.Millisecond)
	err := remote.WaitReady(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestRemoteCustomProbe(t *testing.T) {
	calls := 0
	probe := func(ctx context.Context) error {
		calls++
		return nil
	}
	remote := NewRemote(testLogger(), controlFor(t, newControlPlane(false)), probe, time.Second)
	require.NoError(t, remote.WaitReady(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestWaitForPollsUntilSuccess(t *testing.T) {
	attempts := 0
	err := waitFor(context.Background(), time.Second, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return ErrNotReady
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestStatusModelReadyAnyVersion(t *testing.T) {
	st := Status{Models: map[string]map[string]bool{
		"m": {"1": false, "2": true},
	}}
	assert.True(t, st.ModelReady("m"))
	assert.False(t, st.ModelReady("other"))
}

func TestDiscoverModels(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"zebra", "alpha", "mid"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	// Stray files are not models.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0o644))

	models, err := DiscoverModels(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zebra"}, models)
}

func TestDiscoverModelsMissingRepository(t *testing.T) {
	_, err := DiscoverModels(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
