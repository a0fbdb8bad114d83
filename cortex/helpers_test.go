package cortex

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "cortexflow/config"
	"cortexflow/internal/hostsim"
	"cortexflow/models"
)

func testConfig() *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Cortex.ConnectTimeout = 2 * time.Second
	cfg.Cortex.RequestTimeout = 300 * time.Millisecond
	cfg.Transport.PingInterval = 0
	return &cfg
}

// startHost serves a simulated host and returns it with its websocket URL.
func startHost(t *testing.T, opts hostsim.Options) (*hostsim.Server, string) {
	t.Helper()
	srv := hostsim.New(opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(testConfig(), nil, nil)
	t.Cleanup(c.Exit)
	return c
}

// connect returns an initialized client talking to a fresh simulated host.
func connect(t *testing.T, opts hostsim.Options) (*Client, *hostsim.Server) {
	t.Helper()
	srv, url := startHost(t, opts)
	c := newClient(t)
	if err := c.Initialize(context.Background(), "", url); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustPanicStale(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a stale view panic")
		}
		if r != ErrStaleView {
			t.Fatalf("unexpected panic value %v", r)
		}
	}()
	fn()
}

// testFrame builds frame n with one body of markers markers and the given
// unidentified markers.
func testFrame(n int32, markers int, unidentified ...float32) *models.FrameOfData {
	f := &models.FrameOfData{Frame: n, Delay: 0.002}
	body := models.BodyData{Name: "Subject1", Iterations: 2, AvgMarkerResidual: 0.25}
	for i := 0; i < markers; i++ {
		body.Markers = append(body.Markers, models.Marker{float32(n), float32(i), 1})
	}
	body.Segments = []models.Segment{{1, 2, 3, 4, 5, 6, 7}}
	body.Dofs = []models.DofValue{float64(n) / 2}
	f.Bodies = []models.BodyData{body}
	for _, x := range unidentified {
		f.UnidentifiedMarkers = append(f.UnidentifiedMarkers, models.Marker{x, 0, 0})
	}
	f.Analog = models.AnalogData{
		NumAnalogChannels: 2, NumAnalogSamples: 1, AnalogSamples: []int16{int16(n), -1},
	}
	return f
}

// messages collects error handler output.
type messages struct {
	mu   sync.Mutex
	msgs []string
	lvls []Verbosity
}

func (m *messages) handler(v Verbosity, msg string) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.lvls = append(m.lvls, v)
	m.mu.Unlock()
}

func (m *messages) find(substr string) (Verbosity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.msgs {
		if strings.Contains(s, substr) {
			return m.lvls[i], true
		}
	}
	return 0, false
}
