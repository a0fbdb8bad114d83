package cortex

import (
	"sync"
	"testing"

	"cortexflow/internal/hostsim"
)

// A full session: connect, look up the subject, stream three frames,
// pause and shut down.
func TestRecordingSession(t *testing.T) {
	c, srv := connect(t, hostsim.Options{BodyDefs: hostsim.DefaultBodyDefs(1, 4)})

	var (
		mu   sync.Mutex
		xs   []float32
		seen int
	)
	c.SetDataHandlerFunc(func(v FrameView) {
		f := v.Frame()
		mu.Lock()
		defer mu.Unlock()
		seen++
		if f.NumUnidentifiedMarkers() > 0 {
			xs = append(xs, f.UnidentifiedMarkers[0][0])
		}
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return seen
	}

	info, err := c.GetHostInfo()
	if err != nil || !info.FoundHost {
		t.Fatalf("host info %+v, %v", info, err)
	}

	defs, err := c.GetBodyDefs()
	if err != nil {
		t.Fatalf("GetBodyDefs: %v", err)
	}
	subject, ok := defs.Defs().Lookup("Subject1")
	if !ok || subject.NumMarkers() != 4 {
		t.Fatalf("Subject1 = %+v", subject)
	}

	if _, err := c.Request("LiveMode"); err != nil {
		t.Fatalf("LiveMode: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := srv.Publish(testFrame(int32(i), 4, float32(i)*10)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		waitFor(t, "delivery", func() bool { return count() == i })
	}
	if _, err := c.Request("Pause"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.FreeBodyDefs(defs); err != nil {
		t.Fatalf("FreeBodyDefs: %v", err)
	}
	c.Exit()

	srv.Publish(testFrame(4, 4, 40))

	mu.Lock()
	defer mu.Unlock()
	want := []float32{10, 20, 30}
	if len(xs) != len(want) {
		t.Fatalf("got %v, want %v", xs, want)
	}
	for i := range want {
		if xs[i] != want[i] {
			t.Fatalf("got %v, want %v", xs, want)
		}
	}
	if got := srv.Commands(); len(got) != 2 || got[0] != "LiveMode" || got[1] != "Pause" {
		t.Fatalf("host saw %v", got)
	}
}
