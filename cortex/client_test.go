package cortex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cortexflow/internal/hostsim"
	"cortexflow/models"
)

func TestOperationsBeforeInitialize(t *testing.T) {
	c := newClient(t)

	if _, err := c.Request("LiveMode"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Request: expected ErrNotInitialized, got %v", err)
	}
	if _, err := c.GetBodyDefs(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("GetBodyDefs: expected ErrNotInitialized, got %v", err)
	}
	if _, err := c.PollCurrentFrame(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("PollCurrentFrame: expected ErrNotInitialized, got %v", err)
	}
	_, err := c.GetHostInfo()
	if !errors.Is(err, ErrNotInitialized) || CodeOf(err) != ApiError {
		t.Fatalf("GetHostInfo: expected ApiError misuse, got %v", err)
	}

	// handlers may be registered in any state
	c.SetDataHandlerFunc(func(FrameView) {})
	c.SetErrorMsgHandlerFunc(func(Verbosity, string) {})
}

func TestExitIsIdempotentAndTerminal(t *testing.T) {
	_, url := startHost(t, hostsim.Options{})
	c := newClient(t)

	// safe before a successful initialize
	c.Exit()
	c.Exit()

	if err := c.Initialize(context.Background(), "", url); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Exit, got %v", err)
	}
	if _, err := c.Request("LiveMode"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Request, got %v", err)
	}
}

func TestInitializeFailureLeavesClientUninitialized(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	c := newClient(t)
	err := c.Initialize(context.Background(), "", deadURL)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if c.state() != stateUninitialized {
		t.Fatalf("failed initialize changed state to %s", c.state())
	}

	if err := c.Initialize(context.Background(), "", "http://not-a-websocket"); !errors.Is(err, ErrApi) {
		t.Fatalf("expected ApiError for a bad address, got %v", err)
	}

	_, url := startHost(t, hostsim.Options{})
	if err := c.Initialize(context.Background(), "", url); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if err := c.Initialize(context.Background(), "", url); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeWaitsForHello(t *testing.T) {
	// accepts the websocket but never says hello
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer silent.Close()

	cfg := testConfig()
	cfg.Cortex.ConnectTimeout = 200 * time.Millisecond
	c := NewClient(cfg, nil, nil)
	defer c.Exit()

	start := time.Now()
	err := c.Initialize(context.Background(), "", "ws"+strings.TrimPrefix(silent.URL, "http"))
	if err == nil {
		t.Fatal("expected initialize to fail without a hello")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("initialize did not honour the connect timeout")
	}
	if c.state() != stateUninitialized {
		t.Fatalf("unexpected state %s", c.state())
	}
}

func TestGetHostInfo(t *testing.T) {
	host := models.HostInfo{
		HostMachineName:    "capture-01",
		HostMachineAddress: [4]byte{10, 1, 2, 3},
		HostProgramName:    "Cortex",
		HostProgramVersion: [4]byte{9, 5, 0, 1},
	}
	before := time.Now().UnixMilli()
	c, _ := connect(t, hostsim.Options{Host: host})

	got, err := c.GetHostInfo()
	if err != nil {
		t.Fatalf("GetHostInfo: %v", err)
	}
	if !got.FoundHost || got.HostMachineName != "capture-01" || got.Address() != "10.1.2.3" || got.Version() != "9.5.0.1" {
		t.Fatalf("unexpected host info %+v", got)
	}
	if got.LatestConfirmationTime < before {
		t.Fatalf("confirmation time %d predates connect %d", got.LatestConfirmationTime, before)
	}
	if c.SessionID() == "" {
		t.Fatal("missing session id")
	}
}

func TestConnectionLossIsReported(t *testing.T) {
	var msgs messages
	srv, url := startHost(t, hostsim.Options{})
	c := newClient(t)
	c.SetErrorMsgHandlerFunc(msgs.handler)
	if err := c.Initialize(context.Background(), "", url); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	srv.DropConnections()
	waitFor(t, "loss report", func() bool {
		_, ok := msgs.find("lost connection")
		return ok
	})
	if lvl, _ := msgs.find("lost connection"); lvl != VerbosityError {
		t.Fatalf("loss reported at %s", lvl)
	}

	host, err := c.GetHostInfo()
	if err != nil || host.FoundHost {
		t.Fatalf("host should be marked lost: %+v %v", host, err)
	}
	if _, err := c.Request("LiveMode"); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected NetworkError after loss, got %v", err)
	}
}

func TestHostLogsRespectVerbosity(t *testing.T) {
	var msgs messages
	c, srv := connect(t, hostsim.Options{})
	c.SetErrorMsgHandlerFunc(msgs.handler)

	if c.VerbosityLevel() != VerbosityWarning {
		t.Fatalf("unexpected default verbosity %s", c.VerbosityLevel())
	}
	if err := srv.SendLog(uint8(VerbosityInfo), "calibration loaded"); err != nil {
		t.Fatalf("send log: %v", err)
	}
	if err := srv.SendLog(uint8(VerbosityWarning), "camera 3 dropped"); err != nil {
		t.Fatalf("send log: %v", err)
	}
	waitFor(t, "warning", func() bool {
		_, ok := msgs.find("camera 3 dropped")
		return ok
	})
	// host messages are handled in order, so the info line was already filtered
	if _, ok := msgs.find("calibration loaded"); ok {
		t.Fatal("info message passed a warning threshold")
	}

	if err := c.SetVerbosityLevel(VerbosityDebug); err != nil {
		t.Fatalf("SetVerbosityLevel: %v", err)
	}
	if err := srv.SendLog(uint8(VerbosityInfo), "calibration reloaded"); err != nil {
		t.Fatalf("send log: %v", err)
	}
	waitFor(t, "info", func() bool {
		_, ok := msgs.find("calibration reloaded")
		return ok
	})

	if err := c.SetVerbosityLevel(Verbosity(9)); !errors.Is(err, ErrApi) {
		t.Fatalf("expected ApiError for an invalid level, got %v", err)
	}

	c.SetVerbosityLevel(VerbosityNone)
	srv.SendLog(uint8(VerbosityError), "silenced")
	// a following request proves the log message was processed
	if _, err := c.Request("Pause"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, ok := msgs.find("silenced"); ok {
		t.Fatal("VerbosityNone should silence the handler")
	}
}
