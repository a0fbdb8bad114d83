package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "cortexflow/config"
	"cortexflow/logger"
)

const (
	DefaultPort = 1510
	DefaultPath = "/cortex"
)

// WebSocketDialer dials capture hosts over websocket, optionally binding the
// outgoing socket to a chosen local interface.
type WebSocketDialer struct {
	cfg         appconfig.TransportConfig
	defaultHost string
	log         *logger.Log
}

func NewWebSocketDialer(cfg *appconfig.Config) *WebSocketDialer {
	return &WebSocketDialer{
		cfg:         cfg.Transport,
		defaultHost: cfg.Cortex.DefaultHost,
		log:         logger.GetLogger(),
	}
}

// HostURL turns a host address into a websocket URL. A bare IP or hostname
// gets the default port and path; an empty address uses the configured
// default host.
func (d *WebSocketDialer) HostURL(hostAddr string) (string, error) {
	hostAddr = strings.TrimSpace(hostAddr)
	if hostAddr == "" {
		hostAddr = d.defaultHost
	}
	if hostAddr == "" {
		return "", fmt.Errorf("%w: no host address", ErrInvalidAddress)
	}

	if strings.Contains(hostAddr, "://") {
		u, err := url.Parse(hostAddr)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, hostAddr)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
		}
		return u.String(), nil
	}

	host, port := hostAddr, strconv.Itoa(DefaultPort)
	if h, p, err := net.SplitHostPort(hostAddr); err == nil {
		host, port = h, p
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, hostAddr)
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: DefaultPath}
	return u.String(), nil
}

// resolveLocal maps a local address (IP or hostname) to the IP the socket
// binds to.
func resolveLocal(ctx context.Context, localAddr string) (net.IP, error) {
	if ip := net.ParseIP(localAddr); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, localAddr)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: local %q", ErrInvalidAddress, localAddr)
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return addrs[0].IP, nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, localAddr, hostAddr string) (Conn, error) {
	log := d.log.WithComponent("websocket_transport").WithFields(logger.Fields{"local": localAddr, "host": hostAddr})

	wsURL, err := d.HostURL(hostAddr)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		ReadBufferSize:   d.cfg.ReadBufferBytes,
	}
	if localAddr = strings.TrimSpace(localAddr); localAddr != "" {
		ip, err := resolveLocal(ctx, localAddr)
		if err != nil {
			return nil, err
		}
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	}

	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		log.WithError(err).Debug("websocket dial failed")
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if d.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(d.cfg.MaxMessageBytes)
	}

	c := &wsConn{
		ws:           ws,
		remote:       wsURL,
		writeTimeout: d.cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	if d.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(d.cfg.PingInterval, log)
	}
	log.WithFields(logger.Fields{"url": wsURL}).Info("connected to capture host")
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	remote       string
	writeTimeout time.Duration

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ReadMessage returns the next binary message. Text messages are skipped.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) WriteMessage(p []byte) error {
	return c.write(websocket.BinaryMessage, p)
}

func (c *wsConn) write(messageType int, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(messageType, p)
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func (c *wsConn) pingLoop(interval time.Duration, log *logger.Entry) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

// Close sends a close frame, tears the socket down and waits for the ping
// loop. Safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		close(c.done)
		c.wmu.Unlock()
		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}
