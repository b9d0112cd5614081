package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"eventbot/pkg/bus"
	"eventbot/pkg/config"
	"eventbot/pkg/dispatch"
	"eventbot/pkg/plugin"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	connected atomic.Bool
	exited    atomic.Bool
	events    *bus.Bus
}

func (f *fakeSource) Connected() bool { return f.connected.Load() }
func (f *fakeSource) Exited() bool    { return f.exited.Load() }
func (f *fakeSource) PoolSize() int   { return 10 }

func (f *fakeSource) Receivers() dispatch.Counts {
	return dispatch.Counts{Friend: 1, Group: 2}
}

func (f *fakeSource) PluginStatus() []plugin.Status {
	return []plugin.Status{{Name: "echo", Enabled: true, Group: true}}
}

func (f *fakeSource) Events(ctx context.Context) (<-chan bus.Event, func()) {
	return f.events.Subscribe(ctx, 8)
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	src := &fakeSource{events: bus.New()}
	t.Cleanup(src.events.Close)
	return src
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestDefaults(t *testing.T) {
	srv := New(config.StatusConfig{}, newFakeSource(t), nil)
	require.Equal(t, "127.0.0.1:18790", srv.Addr())

	srv = New(config.StatusConfig{Host: "0.0.0.0", Port: 9000}, newFakeSource(t), nil)
	require.Equal(t, "0.0.0.0:9000", srv.Addr())
}

func TestReadiness(t *testing.T) {
	src := newFakeSource(t)
	h := New(config.StatusConfig{}, src, nil).Handler()

	rec, body := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, body = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not_ready", body["status"])

	src.connected.Store(true)
	rec, body = get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["connected"])
	require.Equal(t, float64(10), body["pool_size"])

	src.exited.Store(true)
	rec, _ = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReceiversAndPlugins(t *testing.T) {
	h := New(config.StatusConfig{}, newFakeSource(t), nil).Handler()

	rec, body := get(t, h, "/receivers")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(2), body["group"])

	rec, _ = get(t, h, "/plugins")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []plugin.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, "echo", statuses[0].Name)
}

func TestObserveFailures(t *testing.T) {
	srv := New(config.StatusConfig{}, newFakeSource(t), nil)
	srv.Observe(bus.Event{Type: bus.EventConnected, At: time.Now()})
	srv.Observe(bus.Event{Type: bus.EventTaskFailed, Task: "GroupMessage handler #0", Error: "boom", At: time.Now()})
	srv.Observe(bus.Event{Type: bus.EventJobFailed, Task: "tick", Error: "late", At: time.Now()})

	_, body := get(t, srv.Handler(), "/healthz")
	require.Equal(t, float64(2), body["failures"])
	require.Equal(t, "tick: late", body["last_error"])
	require.NotEmpty(t, body["connected_at"])
}

func TestServeRecordsBusEvents(t *testing.T) {
	src := newFakeSource(t)
	srv := New(config.StatusConfig{}, src, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		src.events.Publish(bus.Event{Type: bus.EventTaskFailed, Task: "t", Error: "e"})

		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var body map[string]any
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		failures, _ := body["failures"].(float64)
		return failures > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
