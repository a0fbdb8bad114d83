package cortex

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"cortexflow/internal/metrics"
	"cortexflow/internal/wire"
	"cortexflow/logger"
	"cortexflow/models"
)

type reply struct {
	resp wire.Response
	defs *models.BodyDefs
	err  error
}

type pendingRequest struct {
	id   uint32
	kind wire.Kind
	ch   chan reply
}

// commandChannel allows one request in flight. Replies are matched by id;
// anything that arrives after its request gave up is dropped.
type commandChannel struct {
	mu     sync.Mutex
	nextID uint32
	buf    []byte

	pmu     sync.Mutex
	pending *pendingRequest

	// response slot, valid until the next request
	resp    []byte
	respGen atomic.Uint64
}

func (ch *commandChannel) complete(id uint32, kind wire.Kind, r reply) bool {
	ch.pmu.Lock()
	p := ch.pending
	if p == nil || p.id != id || p.kind != kind {
		ch.pmu.Unlock()
		return false
	}
	ch.pending = nil
	ch.pmu.Unlock()
	p.ch <- r
	return true
}

func (ch *commandChannel) release() {
	ch.mu.Lock()
	ch.resp = nil
	ch.respGen.Add(1)
	ch.mu.Unlock()
}

// roundTrip sends one message and waits for the reply of the given kind.
// The caller holds c.cmd.mu.
func (c *Client) roundTrip(ctx context.Context, op string, kind wire.Kind,
	encode func(buf []byte, id uint32) ([]byte, error)) (reply, error) {

	select {
	case <-c.lost:
		return reply{}, &Error{Op: op, Code: NetworkError, Err: errors.New("connection to host lost")}
	default:
	}

	ch := &c.cmd
	ch.nextID++
	if ch.nextID == 0 {
		ch.nextID = 1
	}
	id := ch.nextID

	msg, err := encode(ch.buf, id)
	if err != nil {
		return reply{}, &Error{Op: op, Code: ApiError, Err: err}
	}
	ch.buf = msg

	p := &pendingRequest{id: id, kind: kind, ch: make(chan reply, 1)}
	ch.pmu.Lock()
	ch.pending = p
	ch.pmu.Unlock()
	defer func() {
		ch.pmu.Lock()
		if ch.pending == p {
			ch.pending = nil
		}
		ch.pmu.Unlock()
	}()

	if err := c.conn.WriteMessage(msg); err != nil {
		return reply{}, &Error{Op: op, Code: NetworkError, Err: err}
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r, nil
	case <-timer.C:
		return reply{}, &Error{Op: op, Code: TimeOut, Err: fmt.Errorf("no reply after %s", timeout)}
	case <-ctx.Done():
		return reply{}, &Error{Op: op, Code: TimeOut, Err: ctx.Err()}
	case <-c.lost:
		return reply{}, &Error{Op: op, Code: NetworkError, Err: errors.New("connection to host lost")}
	}
}

// Request sends a text command and waits for the reply or the configured
// request timeout. The returned Response is valid until the next Request.
// Requests are serialized.
func (c *Client) Request(command string) (Response, error) {
	return c.RequestContext(context.Background(), command)
}

// RequestContext is Request bounded additionally by ctx.
func (c *Client) RequestContext(ctx context.Context, command string) (Response, error) {
	const op = "request"
	if err := c.checkInitialized(op); err != nil {
		return Response{}, err
	}

	c.cmd.mu.Lock()
	defer c.cmd.mu.Unlock()

	// the previous response dies here, whatever the outcome
	c.cmd.respGen.Add(1)

	start := time.Now()
	r, err := c.roundTrip(ctx, op, wire.KindResponse, func(buf []byte, id uint32) ([]byte, error) {
		return wire.AppendRequest(buf, id, command)
	})
	if err == nil && r.err != nil {
		err = &Error{Op: op, Code: GeneralError, Err: r.err}
	}
	if err == nil {
		if code := codeFromWire(r.resp.Code); code != Okay {
			err = &Error{Op: op, Code: code, Err: fmt.Errorf("command %q", command)}
		}
	}

	code := CodeOf(err)
	label := command
	if code == NotRecognized {
		label = "unrecognized"
	}
	metrics.ObserveCommand(label, code.String(), time.Since(start))
	logger.IncrementCommand(len(command))
	c.stats.commands.Add(1)

	log := c.log.WithComponent("cortex_request").WithFields(logger.Fields{
		"command":     command,
		"code":        code.String(),
		"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
	})
	if err != nil {
		log.WithError(err).Debug("request failed")
		return Response{}, err
	}
	log.Debug("request completed")

	c.cmd.resp = append(c.cmd.resp[:0], r.resp.Payload...)
	return Response{ch: &c.cmd, gen: c.cmd.respGen.Load()}, nil
}

// Response is the reply to a command. Its bytes belong to the client and
// are overwritten by the next Request; Copy them to keep them.
type Response struct {
	ch  *commandChannel
	gen uint64
}

// Valid reports whether the response slot still holds this reply.
func (r Response) Valid() bool {
	return r.ch != nil && r.ch.respGen.Load() == r.gen
}

// Bytes returns the reply payload in place. It panics with ErrStaleView
// once another request has been issued.
func (r Response) Bytes() []byte {
	if !r.Valid() {
		panic(ErrStaleView)
	}
	return r.ch.resp
}

func (r Response) Len() int { return len(r.Bytes()) }

// Copy returns a caller-owned copy of the payload.
func (r Response) Copy() []byte {
	return bytes.Clone(r.Bytes())
}

// Float32 decodes a single-float reply such as GetContextFrameRate.
func (r Response) Float32() (float32, error) {
	b := r.Bytes()
	if len(b) != 4 {
		return 0, &Error{Op: "response", Code: GeneralError, Err: fmt.Errorf("expected 4 bytes, got %d", len(b))}
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}
