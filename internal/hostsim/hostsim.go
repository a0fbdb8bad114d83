// Package hostsim is a capture host that speaks the wire protocol over
// websocket. It backs the client tests and the recorder's -simulate mode.
package hostsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cortexflow/internal/wire"
	"cortexflow/logger"
	"cortexflow/models"
)

// reply codes, same numbering as the client's ReturnCode
const (
	codeOkay          uint8 = 0
	codeGeneralError  uint8 = 3
	codeNotRecognized uint8 = 5
)

// Options configure a Server.
type Options struct {
	Host     models.HostInfo
	BodyDefs *models.BodyDefs
	// FrameRate paces the built-in generator while live. Zero disables it;
	// frames are then only sent through Publish.
	FrameRate float64
	// Unidentified is the number of unidentified markers generated per frame.
	Unidentified int
	// Ignore lists commands that never get a reply.
	Ignore []string
	// Delay holds back the reply to the named commands.
	Delay map[string]time.Duration
}

// Server is a simulated capture host.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *logger.Log

	mu       sync.Mutex
	sessions map[*session]struct{}
	commands []string
	rec      models.RecordingStatus
	takes    int

	streaming atomic.Bool
	frameNum  atomic.Int32

	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type session struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *session) write(msg []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func New(opts Options) *Server {
	if opts.Host.HostMachineName == "" {
		opts.Host = models.HostInfo{
			HostMachineName:    "sim-host",
			HostMachineAddress: [4]byte{127, 0, 0, 1},
			HostProgramName:    "hostsim",
			HostProgramVersion: [4]byte{1, 0, 0, 0},
		}
	}
	opts.Host.FoundHost = true
	return &Server{
		opts:     opts,
		log:      logger.GetLogger(),
		sessions: make(map[*session]struct{}),
	}
}

// DefaultBodyDefs describes bodies bodies with markers markers each and a
// two-segment chain.
func DefaultBodyDefs(bodies, markers int) *models.BodyDefs {
	defs := &models.BodyDefs{}
	for b := 0; b < bodies; b++ {
		def := models.BodyDef{
			Name: fmt.Sprintf("Subject%d", b+1),
			Hierarchy: models.Hierarchy{
				SegmentNames: []string{"Pelvis", "Spine"},
				Parents:      []int32{models.RootParent, 0},
			},
			DofNames: []string{"SpineFlex"},
		}
		for m := 0; m < markers; m++ {
			def.MarkerNames = append(def.MarkerNames, fmt.Sprintf("M%d", m+1))
		}
		defs.BodyDefs = append(defs.BodyDefs, def)
	}
	return defs
}

// ServeHTTP upgrades the request, greets the client and serves it until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithComponent("hostsim").WithFields(logger.Fields{"remote": r.RemoteAddr})
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("upgrade failed")
		return
	}
	sess := &session{conn: conn}

	// registered before the hello so a client never misses a frame
	// published right after it initialized
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		conn.Close()
	}()

	hello, err := wire.AppendHello(nil, s.opts.Host)
	if err == nil {
		err = sess.write(hello)
	}
	if err != nil {
		log.WithError(err).Warn("hello failed")
		return
	}

	log.Debug("client connected")
	var out []byte
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("client disconnected")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		out = s.handle(sess, msg, out)
	}
}

func (s *Server) handle(sess *session, msg, out []byte) []byte {
	log := s.log.WithComponent("hostsim")
	kind, payload, err := wire.Split(msg)
	if err != nil {
		return out
	}

	switch kind {
	case wire.KindRequest:
		id, cmd, err := wire.DecodeRequest(payload)
		if err != nil {
			log.WithError(err).Warn("bad request")
			return out
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if s.ignored(cmd) {
			return out
		}
		if d := s.opts.Delay[cmd]; d > 0 {
			time.Sleep(d)
		}
		code, body := s.command(cmd)
		out, err = wire.AppendResponse(out, id, code, body)
		if err == nil {
			err = sess.write(out)
		}
		if err != nil {
			log.WithError(err).Debug("reply failed")
		}

	case wire.KindBodyDefsRequest:
		id, err := wire.DecodeBodyDefsRequest(payload)
		if err != nil {
			return out
		}
		out, err = wire.AppendBodyDefs(out, id, s.opts.BodyDefs)
		if err == nil {
			err = sess.write(out)
		}
		if err != nil {
			log.WithError(err).Debug("body defs reply failed")
		}

	default:
		log.WithFields(logger.Fields{"kind": kind.String()}).Debug("ignoring message")
	}
	return out
}

func (s *Server) ignored(cmd string) bool {
	for _, c := range s.opts.Ignore {
		if c == cmd {
			return true
		}
	}
	return false
}

func (s *Server) command(cmd string) (uint8, []byte) {
	switch cmd {
	case "LiveMode":
		s.streaming.Store(true)
	case "Pause":
		s.streaming.Store(false)
	case "GetContextFrameRate":
		return codeOkay, binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(s.opts.FrameRate)))
	case "StartRecording":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.rec.Recording {
			return codeGeneralError, nil
		}
		s.takes++
		s.rec = models.RecordingStatus{
			Recording:  true,
			FirstFrame: s.frameNum.Load(),
			Filename:   fmt.Sprintf("take_%03d.cap", s.takes),
		}
	case "StopRecording":
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.rec.Recording {
			return codeGeneralError, nil
		}
		s.rec.Recording = false
		s.rec.LastFrame = s.frameNum.Load()
	default:
		return codeNotRecognized, nil
	}
	return codeOkay, nil
}

// Streaming reports whether the host is in live mode.
func (s *Server) Streaming() bool { return s.streaming.Load() }

// Commands returns every command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) Recording() models.RecordingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) broadcast(msg []byte) error {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range targets {
		if err := sess.write(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish sends f to every client, whatever the streaming state. The
// recording status is taken from the host.
func (s *Server) Publish(f *models.FrameOfData) error {
	s.mu.Lock()
	f.RecordingStatus = s.rec
	s.mu.Unlock()
	msg, err := wire.AppendFrame(nil, f)
	if err != nil {
		return err
	}
	s.frameNum.Store(f.Frame)
	return s.broadcast(msg)
}

// PublishRaw sends msg as is. Tests use it for malformed input.
func (s *Server) PublishRaw(msg []byte) error {
	return s.broadcast(msg)
}

// AnnounceBodyDefs pushes defs to every client unrequested, as a host does
// when its schema changes. It does not change what later requests return.
func (s *Server) AnnounceBodyDefs(defs *models.BodyDefs) error {
	msg, err := wire.AppendBodyDefs(nil, 0, defs)
	if err != nil {
		return err
	}
	return s.broadcast(msg)
}

// SendLog forwards a diagnostic to every client.
func (s *Server) SendLog(level uint8, text string) error {
	msg, err := wire.AppendLog(nil, level, text)
	if err != nil {
		return err
	}
	return s.broadcast(msg)
}

// DropConnections closes every client connection without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.UnderlyingConn().Close()
	}
}

// Start runs the frame generator until ctx ends or Close is called. It is a
// no-op when FrameRate is zero.
func (s *Server) Start(ctx context.Context) {
	if s.opts.FrameRate <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.generate(ctx)
}

func (s *Server) generate(ctx context.Context) {
	defer s.wg.Done()
	log := s.log.WithComponent("hostsim").WithFields(logger.Fields{"frame_rate": s.opts.FrameRate})
	limiter := rate.NewLimiter(rate.Limit(s.opts.FrameRate), 1)
	var frame models.FrameOfData
	n := int32(0)

	log.Info("frame generator started")
	for {
		if err := limiter.Wait(ctx); err != nil {
			log.Info("frame generator stopped")
			return
		}
		if !s.streaming.Load() {
			continue
		}
		n++
		Synthesize(&frame, s.opts.BodyDefs, n, s.opts.Unidentified)
		if err := s.Publish(&frame); err != nil {
			log.WithError(err).Debug("publish failed")
		}
	}
}

// Synthesize fills f with frame n for defs: markers circle their body's
// origin, segments and dofs follow the frame number.
func Synthesize(f *models.FrameOfData, defs *models.BodyDefs, n int32, unidentified int) {
	t := float64(n) / 60
	f.Frame = n
	f.Delay = 0.004
	f.Bodies = f.Bodies[:0]
	if defs != nil {
		for b, def := range defs.BodyDefs {
			body := models.BodyData{Name: def.Name, Iterations: 3}
			for m := range def.MarkerNames {
				phase := t + float64(m)*math.Pi/2
				body.Markers = append(body.Markers, models.Marker{
					float32(1000*b) + float32(100*math.Cos(phase)),
					float32(100 * math.Sin(phase)),
					float32(900 + 10*m),
				})
			}
			for range def.Hierarchy.SegmentNames {
				body.Segments = append(body.Segments, models.Segment{0, 0, 900, 0, 0, math.Mod(t*10, 360), 450})
			}
			for range def.DofNames {
				body.Dofs = append(body.Dofs, 15*math.Sin(t))
			}
			body.AvgMarkerResidual = 0.5
			f.Bodies = append(f.Bodies, body)
		}
	}
	f.UnidentifiedMarkers = f.UnidentifiedMarkers[:0]
	for i := 0; i < unidentified; i++ {
		f.UnidentifiedMarkers = append(f.UnidentifiedMarkers, models.Marker{float32(n) + float32(i)/10, 0, 0})
	}
}

// Listen serves the simulator on addr and returns its websocket URL.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/cortex", s)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithComponent("hostsim").WithError(err).Error("simulator server failed")
		}
	}()
	url := fmt.Sprintf("ws://%s/cortex", ln.Addr().String())
	s.log.WithComponent("hostsim").WithFields(logger.Fields{"url": url}).Info("simulated capture host listening")
	return url, nil
}

// Close stops the generator and the listener and drops every client.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.DropConnections()
}
