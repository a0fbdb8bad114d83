package cortex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"cortexflow/internal/wire"
	"cortexflow/logger"
	"cortexflow/models"
)

// bodyDefsCache is the single slot behind GetBodyDefs. Each fetch or free
// bumps gen, which invalidates every earlier view.
type bodyDefsCache struct {
	mu   sync.Mutex
	defs *models.BodyDefs
	gen  atomic.Uint64
}

func (b *bodyDefsCache) replace(defs *models.BodyDefs) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.defs != nil {
		b.defs.Free()
	}
	b.defs = defs
	return b.gen.Add(1)
}

func (b *bodyDefsCache) release() {
	b.replace(nil)
}

// BodyDefsView borrows the cached body definitions. It is valid until the
// next GetBodyDefs, FreeBodyDefs or Exit.
type BodyDefsView struct {
	cache *bodyDefsCache
	gen   uint64
}

func (v *BodyDefsView) Valid() bool {
	return v != nil && v.cache != nil && v.cache.gen.Load() == v.gen
}

// Defs returns the cached set. It panics with ErrStaleView if the view has
// been invalidated. Use Clone on the result to keep a copy.
func (v *BodyDefsView) Defs() *models.BodyDefs {
	if !v.Valid() {
		panic(ErrStaleView)
	}
	v.cache.mu.Lock()
	defer v.cache.mu.Unlock()
	return v.cache.defs
}

// GetBodyDefs asks the host for its current body definitions and caches
// them, invalidating any earlier view. It returns a nil view when the host
// has no bodies defined.
func (c *Client) GetBodyDefs() (*BodyDefsView, error) {
	return c.GetBodyDefsContext(context.Background())
}

func (c *Client) GetBodyDefsContext(ctx context.Context) (*BodyDefsView, error) {
	const op = "get_body_defs"
	if err := c.checkInitialized(op); err != nil {
		return nil, err
	}

	c.cmd.mu.Lock()
	defer c.cmd.mu.Unlock()

	r, err := c.roundTrip(ctx, op, wire.KindBodyDefs, wire.AppendBodyDefsRequest)
	if err == nil && r.err != nil {
		code := GeneralError
		if errors.Is(r.err, models.ErrCapacity) {
			code = MemoryError
		}
		err = &Error{Op: op, Code: code, Err: r.err}
	}
	if err != nil {
		c.log.WithComponent("cortex_client").WithError(err).Debug("body definition fetch failed")
		return nil, err
	}

	if r.defs == nil || r.defs.NumBodyDefs() == 0 {
		c.defs.release()
		return nil, nil
	}
	gen := c.defs.replace(r.defs)

	c.log.WithSession("cortex_client", c.sessionID).WithFields(logger.Fields{
		"bodies": r.defs.NumBodyDefs(),
		"analog": r.defs.NumAnalogChannels(),
	}).Debug("body definitions cached")
	return &BodyDefsView{cache: &c.defs, gen: gen}, nil
}

// FreeBodyDefs drops the cached definitions behind v. It fails on a nil or
// stale view and is valid in any client state.
func (c *Client) FreeBodyDefs(v *BodyDefsView) error {
	const op = "free_body_defs"
	if v == nil {
		return misuse(op, errNilView)
	}
	if v.cache != &c.defs {
		return misuse(op, errors.New("view belongs to another client"))
	}

	c.defs.mu.Lock()
	defer c.defs.mu.Unlock()
	if c.defs.gen.Load() != v.gen {
		return misuse(op, errStaleView)
	}
	if c.defs.defs != nil {
		c.defs.defs.Free()
	}
	c.defs.defs = nil
	c.defs.gen.Add(1)
	return nil
}
