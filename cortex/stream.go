package cortex

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"cortexflow/internal/metrics"
	"cortexflow/internal/wire"
	"cortexflow/logger"
	"cortexflow/models"
)

// stream moves frames from the network goroutine to the data handler.
//
// The network goroutine drops each raw frame into a single-slot inbox; a
// frame that has not been picked up yet is overwritten and counted as
// coalesced. The delivery goroutine decodes into the back buffer, swaps it
// to the front under hotMu and bumps gen, then calls the handler. Only the
// delivery goroutine writes either buffer.
type stream struct {
	c *Client

	inboxMu   sync.Mutex
	inboxCond *sync.Cond
	inbox     []byte
	closed    bool

	hotMu sync.RWMutex
	bufs  [2]models.FrameOfData
	front int
	has   bool
	gen   atomic.Uint64

	wg sync.WaitGroup
}

func newStream(c *Client) *stream {
	s := &stream{c: c}
	s.inboxCond = sync.NewCond(&s.inboxMu)
	return s
}

// publish hands a raw frame payload to the delivery goroutine. The payload
// must not be modified afterwards.
func (s *stream) publish(payload []byte) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if s.closed {
		return
	}
	if s.inbox != nil {
		s.c.stats.framesCoalesced.Add(1)
		metrics.FrameCoalesced()
		logger.IncrementFrameDropped()
	}
	s.inbox = payload
	s.inboxCond.Signal()
}

// next blocks until a frame is pending or the stream stops; it returns nil
// on stop.
func (s *stream) next() []byte {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	for s.inbox == nil && !s.closed {
		s.inboxCond.Wait()
	}
	if s.closed {
		return nil
	}
	p := s.inbox
	s.inbox = nil
	return p
}

func (s *stream) discardPending() {
	s.inboxMu.Lock()
	s.inbox = nil
	s.inboxMu.Unlock()
}

func (s *stream) start() {
	s.inboxMu.Lock()
	s.closed = false
	s.inboxMu.Unlock()

	s.wg.Add(1)
	go s.deliveryLoop()
}

// stop wakes and joins the delivery goroutine. A pending frame is dropped.
func (s *stream) stop() {
	s.inboxMu.Lock()
	s.closed = true
	s.inbox = nil
	s.inboxCond.Broadcast()
	s.inboxMu.Unlock()
	s.wg.Wait()
}

// release frees both buffers and invalidates every outstanding view.
func (s *stream) release() {
	s.hotMu.Lock()
	defer s.hotMu.Unlock()
	models.FreeFrame(&s.bufs[0])
	models.FreeFrame(&s.bufs[1])
	s.has = false
	s.gen.Add(1)
}

func (s *stream) deliveryLoop() {
	defer s.wg.Done()
	log := s.c.log.WithSession("cortex_stream", s.c.sessionID)
	log.Debug("delivery started")
	defer log.Debug("delivery stopped")

	for {
		payload := s.next()
		if payload == nil {
			return
		}

		back := &s.bufs[1-s.front]
		if err := wire.DecodeFrameInto(payload, back, s.c.maxBodies); err != nil {
			s.c.stats.framesMalformed.Add(1)
			metrics.FrameMalformed()
			level := VerbosityWarning
			if errors.Is(err, models.ErrCapacity) {
				level = VerbosityError
			}
			s.c.report(level, fmt.Sprintf("discarding frame: %v", err))
			continue
		}

		s.hotMu.Lock()
		s.front = 1 - s.front
		s.has = true
		gen := s.gen.Add(1)
		s.hotMu.Unlock()

		h := s.c.handlers.dataHandler()
		if h == nil {
			continue
		}
		h(FrameView{s: s, gen: gen})
		s.c.stats.framesDelivered.Add(1)
		metrics.FrameDelivered()
	}
}

// PollCurrentFrame returns a view of the most recently delivered frame
// without blocking. If nothing has arrived yet the view is the zero
// FrameView and Valid reports false.
func (c *Client) PollCurrentFrame() (FrameView, error) {
	if err := c.checkInitialized("poll_current_frame"); err != nil {
		return FrameView{}, err
	}
	s := c.stream
	s.hotMu.RLock()
	defer s.hotMu.RUnlock()
	if !s.has {
		return FrameView{}, nil
	}
	return FrameView{s: s, gen: s.gen.Load()}, nil
}
