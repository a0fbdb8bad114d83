package cortex

import (
	"errors"

	"cortexflow/models"
)

// FrameView borrows the hot buffer. It is valid until the next frame is
// delivered or the client exits, whichever comes first.
type FrameView struct {
	s   *stream
	gen uint64
}

// Valid reports whether the hot buffer still holds this view's frame.
func (v FrameView) Valid() bool {
	return v.s != nil && v.gen != 0 && v.s.gen.Load() == v.gen
}

// Generation identifies the delivery the view was taken from.
func (v FrameView) Generation() uint64 { return v.gen }

// Frame returns the hot frame itself. It panics with ErrStaleView when the
// view is no longer valid. From the data handler the pointer may be used
// until the handler returns; other goroutines should use Read.
func (v FrameView) Frame() *models.FrameOfData {
	if v.s == nil {
		panic(ErrStaleView)
	}
	v.s.hotMu.RLock()
	defer v.s.hotMu.RUnlock()
	if v.gen == 0 || v.s.gen.Load() != v.gen {
		panic(ErrStaleView)
	}
	return &v.s.bufs[v.s.front]
}

// Read calls fn with the hot frame while holding off the next swap. It
// returns a stale-view error instead of calling fn when the view is no
// longer valid. fn must not retain f.
func (v FrameView) Read(fn func(f *models.FrameOfData)) error {
	if v.s == nil {
		return misuse("read_frame", errNilView)
	}
	v.s.hotMu.RLock()
	defer v.s.hotMu.RUnlock()
	if v.gen == 0 || v.s.gen.Load() != v.gen {
		return misuse("read_frame", errStaleView)
	}
	fn(&v.s.bufs[v.s.front])
	return nil
}

// CopyTo deep-copies the viewed frame into dst. dst may be a zero frame or
// one filled by an earlier copy; its arrays are resized to match exactly.
func (v FrameView) CopyTo(dst *models.FrameOfData) error {
	const op = "copy_frame"
	if dst == nil {
		return misuse(op, errors.New("nil destination"))
	}
	var cerr error
	if err := v.Read(func(f *models.FrameOfData) {
		cerr = models.CopyFrame(dst, f, v.s.c.maxBodies)
	}); err != nil {
		return err
	}
	if cerr != nil {
		if errors.Is(cerr, models.ErrCapacity) {
			return &Error{Op: op, Code: MemoryError, Err: cerr}
		}
		return &Error{Op: op, Code: GeneralError, Err: cerr}
	}
	return nil
}

// CopyFrame copies src into the owned frame dst.
func CopyFrame(src FrameView, dst *models.FrameOfData) error {
	return src.CopyTo(dst)
}

// FreeFrame releases an owned frame. Freeing twice is a no-op.
func FreeFrame(f *models.FrameOfData) {
	models.FreeFrame(f)
}
