// Package cortex is the client side of the capture host protocol. A Client
// connects to one host, keeps the body definition cache, runs the command
// channel and delivers streamed frames through a hot buffer.
package cortex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "cortexflow/config"
	"cortexflow/internal/metrics"
	"cortexflow/internal/transport"
	"cortexflow/internal/wire"
	"cortexflow/logger"
	"cortexflow/models"
)

type state int32

const (
	stateUninitialized state = iota
	stateInitialized
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	default:
		return "closed"
	}
}

// Stats are cumulative counters for one client.
type Stats struct {
	FramesReceived  uint64
	FramesDelivered uint64
	FramesCoalesced uint64
	FramesMalformed uint64
	Commands        uint64
}

type counters struct {
	framesReceived  atomic.Uint64
	framesDelivered atomic.Uint64
	framesCoalesced atomic.Uint64
	framesMalformed atomic.Uint64
	commands        atomic.Uint64
}

// Client is one session with a capture host. It moves through
// Uninitialized, Initialized and Closed; Closed is terminal.
type Client struct {
	cfg       appconfig.CortexConfig
	dialer    transport.Dialer
	log       *logger.Log
	sessionID string
	maxBodies int

	lifeMu sync.Mutex
	st     atomic.Int32
	conn   transport.Conn
	lost   chan struct{}
	hello  chan struct{}
	readWG sync.WaitGroup
	// set before we close the connection ourselves
	closing atomic.Bool

	hostMu sync.RWMutex
	host   models.HostInfo

	handlers  handlers
	verbosity atomic.Int32

	cmd    commandChannel
	defs   bodyDefsCache
	stream *stream
	stats  counters
}

// NewClient builds an uninitialized client. A nil dialer means websocket;
// a nil log means the global logger.
func NewClient(cfg *appconfig.Config, dialer transport.Dialer, log *logger.Log) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(cfg)
	}
	maxBodies := cfg.Cortex.MaxBodies
	if maxBodies <= 0 {
		maxBodies = models.DefaultMaxBodies
	}

	c := &Client{
		cfg:       cfg.Cortex,
		dialer:    dialer,
		log:       log,
		sessionID: uuid.NewString(),
		maxBodies: maxBodies,
	}
	v, err := ParseVerbosity(cfg.Cortex.Verbosity)
	if err != nil {
		v = DefaultVerbosity
	}
	c.verbosity.Store(int32(v))
	c.stream = newStream(c)
	return c
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) state() state { return state(c.st.Load()) }

func (c *Client) checkInitialized(op string) error {
	switch c.state() {
	case stateInitialized:
		return nil
	case stateUninitialized:
		return misuse(op, errNotInitialized)
	default:
		return misuse(op, errClosed)
	}
}

// Initialize connects to the host and waits for its hello. Empty addresses
// fall back to the configured ones, then to auto-selection. A failed
// attempt leaves the client uninitialized so it can be retried.
func (c *Client) Initialize(ctx context.Context, localAddr, hostAddr string) error {
	const op = "initialize"

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	switch c.state() {
	case stateInitialized:
		return misuse(op, errAlreadyInitialized)
	case stateClosed:
		return misuse(op, errClosed)
	}

	if localAddr == "" {
		localAddr = c.cfg.LocalAddress
	}
	if hostAddr == "" {
		hostAddr = c.cfg.HostAddress
	}
	log := c.log.WithSession("cortex_client", c.sessionID).WithFields(logger.Fields{
		"local": localAddr,
		"host":  hostAddr,
	})

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, localAddr, hostAddr)
	if err != nil {
		code := NetworkError
		if errors.Is(err, transport.ErrInvalidAddress) {
			code = ApiError
		}
		c.report(VerbosityError, fmt.Sprintf("unable to connect to host: %v", err))
		return &Error{Op: op, Code: code, Err: err}
	}

	c.conn = conn
	c.lost = make(chan struct{})
	c.hello = make(chan struct{}, 1)
	c.closing.Store(false)
	c.readWG.Add(1)
	go c.readLoop(conn, c.lost)

	select {
	case <-c.hello:
	case <-c.lost:
		err = &Error{Op: op, Code: NetworkError, Err: errors.New("host closed the connection during handshake")}
	case <-ctx.Done():
		err = &Error{Op: op, Code: NetworkError, Err: fmt.Errorf("waiting for host hello: %w", ctx.Err())}
	}
	if err != nil {
		c.closing.Store(true)
		_ = conn.Close()
		c.readWG.Wait()
		c.conn = nil
		c.stream.discardPending()
		c.setHost(models.HostInfo{})
		log.WithError(err).Warn("initialize failed")
		return err
	}

	c.stream.start()
	c.st.Store(int32(stateInitialized))

	host := c.hostInfo()
	log.WithFields(logger.Fields{
		"host_name":    host.HostMachineName,
		"host_program": host.HostProgramName,
		"host_version": host.Version(),
	}).Info("client initialized")
	c.report(VerbosityInfo, fmt.Sprintf("connected to %s (%s %s)", host.HostMachineName, host.HostProgramName, host.Version()))
	return nil
}

// Exit stops all activity: it closes the connection, joins the network and
// delivery goroutines, then drops the body definition cache, the response
// slot and the hot buffer. Every outstanding view becomes stale. Exit is
// idempotent and valid in any state; afterwards the client is closed.
// It must not be called from the data handler.
func (c *Client) Exit() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	prev := state(c.st.Swap(int32(stateClosed)))
	if prev == stateClosed {
		return
	}
	if prev == stateInitialized {
		c.closing.Store(true)
		if err := c.conn.Close(); err != nil {
			c.log.WithComponent("cortex_client").WithError(err).Debug("close connection")
		}
		c.readWG.Wait()
		c.stream.stop()
	}

	c.stream.release()
	c.defs.release()
	c.cmd.release()

	c.hostMu.Lock()
	c.host.FoundHost = false
	c.hostMu.Unlock()

	c.log.WithSession("cortex_client", c.sessionID).WithFields(logger.Fields{"from_state": prev.String()}).Info("client closed")
}

// GetHostInfo reports what the host announced and when it was last heard
// from.
func (c *Client) GetHostInfo() (models.HostInfo, error) {
	if err := c.checkInitialized("get_host_info"); err != nil {
		return models.HostInfo{}, err
	}
	return c.hostInfo(), nil
}

func (c *Client) hostInfo() models.HostInfo {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.host
}

func (c *Client) setHost(h models.HostInfo) {
	c.hostMu.Lock()
	c.host = h
	c.hostMu.Unlock()
}

func (c *Client) touchHost() {
	now := time.Now().UnixMilli()
	c.hostMu.Lock()
	c.host.LatestConfirmationTime = now
	c.hostMu.Unlock()
}

func (c *Client) Stats() Stats {
	return Stats{
		FramesReceived:  c.stats.framesReceived.Load(),
		FramesDelivered: c.stats.framesDelivered.Load(),
		FramesCoalesced: c.stats.framesCoalesced.Load(),
		FramesMalformed: c.stats.framesMalformed.Load(),
		Commands:        c.stats.commands.Load(),
	}
}

// readLoop owns conn's read side until it fails or is closed.
func (c *Client) readLoop(conn transport.Conn, lost chan struct{}) {
	defer c.readWG.Done()
	defer close(lost)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.hostMu.Lock()
				c.host.FoundHost = false
				c.hostMu.Unlock()
				c.report(VerbosityError, fmt.Sprintf("lost connection to host: %v", err))
			}
			return
		}
		c.touchHost()
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg []byte) {
	kind, payload, err := wire.Split(msg)
	if err != nil {
		c.report(VerbosityWarning, fmt.Sprintf("malformed message: %v", err))
		return
	}

	switch kind {
	case wire.KindHello:
		h, herr := wire.DecodeHello(payload)
		if herr != nil {
			err = herr
			break
		}
		h.FoundHost = true
		h.LatestConfirmationTime = time.Now().UnixMilli()
		c.setHost(h)
		select {
		case c.hello <- struct{}{}:
		default:
		}
		return

	case wire.KindFrame:
		c.stats.framesReceived.Add(1)
		metrics.FrameReceived()
		logger.IncrementFrameReceived(len(msg))
		c.stream.publish(payload)
		return

	case wire.KindBodyDefs:
		id, defs, derr := wire.DecodeBodyDefs(payload, c.maxBodies)
		if id == 0 {
			if derr != nil {
				c.report(VerbosityWarning, fmt.Sprintf("discarding announced body definitions: %v", derr))
				return
			}
			if defs == nil || defs.NumBodyDefs() == 0 {
				c.defs.release()
			} else {
				c.defs.replace(defs)
			}
			c.report(VerbosityInfo, "host body definitions changed")
			return
		}
		c.cmd.complete(id, wire.KindBodyDefs, reply{defs: defs, err: derr})
		return

	case wire.KindResponse:
		r, rerr := wire.DecodeResponse(payload)
		c.cmd.complete(r.ID, wire.KindResponse, reply{resp: r, err: rerr})
		return

	case wire.KindLog:
		level, text, lerr := wire.DecodeLog(payload)
		if lerr != nil {
			err = lerr
			break
		}
		c.report(hostVerbosity(level), text)
		return

	default:
		c.report(VerbosityDebug, fmt.Sprintf("ignoring %s message", kind))
		return
	}

	c.report(VerbosityWarning, fmt.Sprintf("malformed %s message: %v", kind, err))
}
