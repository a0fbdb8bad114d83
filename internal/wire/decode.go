package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"cortexflow/models"
)

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = ErrShortMessage
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}

func (d *decoder) u8() uint8 {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *decoder) u16() uint16 {
	p := d.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (d *decoder) u32() uint32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (d *decoder) u64() uint64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (d *decoder) i32() int32   { return int32(d.u32()) }
func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }
func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }
func (d *decoder) bool() bool   { return d.u8() != 0 }

// rawStr returns the string bytes without copying them.
func (d *decoder) rawStr(max int) []byte {
	n := int(d.u16())
	if d.err == nil && n > max {
		d.err = fmt.Errorf("string of %d bytes, limit %d: %w", n, max, ErrFieldTooLong)
		return nil
	}
	return d.take(n)
}

func (d *decoder) str(max int) string { return string(d.rawStr(max)) }

// strInto replaces *s only when the bytes differ, so an unchanged body name
// in the hot buffer is not reallocated every frame.
func (d *decoder) strInto(s *string, max int) {
	b := d.rawStr(max)
	if d.err == nil && string(b) != *s {
		*s = string(b)
	}
}

// count reads an int32 element count and checks that the remaining payload
// can hold that many elements of elemSize bytes.
func (d *decoder) count(elemSize int) int {
	n := d.i32()
	if d.err != nil {
		return 0
	}
	if n < 0 || int64(n)*int64(elemSize) > int64(len(d.buf)) {
		d.err = fmt.Errorf("count %d: %w", n, ErrBadCount)
		return 0
	}
	return int(n)
}

// grid reads a pair of counts whose product is an element count.
func (d *decoder) grid(elemSize int) (int32, int32, int) {
	a, b := d.i32(), d.i32()
	if d.err != nil {
		return 0, 0, 0
	}
	// a*b*elemSize <= len, checked by division to avoid overflow
	if a < 0 || b < 0 || (a > 0 && int64(b) > int64(len(d.buf))/int64(elemSize)/int64(a)) {
		d.err = fmt.Errorf("grid %d x %d: %w", a, b, ErrBadCount)
		return 0, 0, 0
	}
	return a, b, int(int64(a) * int64(b))
}

func (d *decoder) strs() []string {
	n := d.count(2)
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.str(maxNameBytes)
	}
	return out
}

func (d *decoder) marker() models.Marker {
	return models.Marker{d.f32(), d.f32(), d.f32()}
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%d bytes: %w", len(d.buf), ErrTrailingBytes)
	}
	return nil
}

// grow keeps spare capacity; the hot buffer trades exact sizing for fewer
// allocations across frames.
func grow[T any](s []T, n int) []T {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]T, n)
}

// DecodeHello decodes a host announcement payload.
func DecodeHello(payload []byte) (models.HostInfo, error) {
	d := &decoder{buf: payload}
	var h models.HostInfo
	h.FoundHost = d.bool()
	h.HostMachineName = d.str(models.MaxHostNameBytes)
	copy(h.HostMachineAddress[:], d.take(4))
	h.HostProgramName = d.str(models.MaxProgramNameBytes)
	copy(h.HostProgramVersion[:], d.take(4))
	return h, d.finish()
}

const (
	markerSize  = 3 * 4
	segmentSize = 7 * 8
	forceSize   = 7 * 4
)

// DecodeFrameInto decodes a frame payload into dst, reusing its arrays.
// On error dst holds a partially decoded frame.
func DecodeFrameInto(payload []byte, dst *models.FrameOfData, maxBodies int) error {
	d := &decoder{buf: payload}
	dst.Frame = d.i32()
	dst.Delay = d.f32()

	nBodies := d.count(1)
	if d.err == nil && maxBodies > 0 && nBodies > maxBodies {
		return fmt.Errorf("%d bodies, capacity %d: %w", nBodies, maxBodies, models.ErrCapacity)
	}
	dst.Bodies = grow(dst.Bodies, nBodies)
	for i := 0; i < nBodies && d.err == nil; i++ {
		b := &dst.Bodies[i]
		d.strInto(&b.Name, models.MaxBodyNameBytes)
		b.Markers = grow(b.Markers, d.count(markerSize))
		for j := range b.Markers {
			b.Markers[j] = d.marker()
		}
		b.AvgMarkerResidual = d.f32()
		b.Segments = grow(b.Segments, d.count(segmentSize))
		for j := range b.Segments {
			for k := range b.Segments[j] {
				b.Segments[j][k] = d.f64()
			}
		}
		b.Dofs = grow(b.Dofs, d.count(8))
		for j := range b.Dofs {
			b.Dofs[j] = d.f64()
		}
		b.AvgDofResidual = d.f32()
		b.Iterations = d.i32()
		b.ZoomEncoderValue = d.i32()
		b.FocusEncoderValue = d.i32()
	}

	dst.UnidentifiedMarkers = grow(dst.UnidentifiedMarkers, d.count(markerSize))
	for i := range dst.UnidentifiedMarkers {
		dst.UnidentifiedMarkers[i] = d.marker()
	}

	a := &dst.Analog
	var n int
	a.NumAnalogChannels, a.NumAnalogSamples, n = d.grid(2)
	a.AnalogSamples = grow(a.AnalogSamples, n)
	for i := range a.AnalogSamples {
		a.AnalogSamples[i] = int16(d.u16())
	}
	a.NumForcePlates, a.NumForceSamples, n = d.grid(forceSize)
	a.Forces = grow(a.Forces, n)
	for i := range a.Forces {
		for k := range a.Forces[i] {
			a.Forces[i][k] = d.f32()
		}
	}
	a.NumAngleEncoders, a.NumAngleEncoderSamples, n = d.grid(8)
	a.AngleEncoderSamples = grow(a.AngleEncoderSamples, n)
	for i := range a.AngleEncoderSamples {
		a.AngleEncoderSamples[i] = d.f64()
	}

	r := &dst.RecordingStatus
	r.Recording = d.bool()
	r.FirstFrame = d.i32()
	r.LastFrame = d.i32()
	d.strInto(&r.Filename, models.MaxFilenameBytes)
	return d.finish()
}

// DecodeBodyDefs decodes a body definition reply into a freshly allocated
// set.
func DecodeBodyDefs(payload []byte, maxBodies int) (uint32, *models.BodyDefs, error) {
	d := &decoder{buf: payload}
	id := d.u32()
	n := d.count(1)
	if d.err == nil && maxBodies > 0 && n > maxBodies {
		return id, nil, fmt.Errorf("%d body definitions, capacity %d: %w", n, maxBodies, models.ErrCapacity)
	}
	defs := &models.BodyDefs{}
	if n > 0 {
		defs.BodyDefs = make([]models.BodyDef, n)
	}
	for i := 0; i < n && d.err == nil; i++ {
		def := &defs.BodyDefs[i]
		def.Name = d.str(models.MaxBodyNameBytes)
		def.MarkerNames = d.strs()
		def.Hierarchy.SegmentNames = d.strs()
		if segs := len(def.Hierarchy.SegmentNames); segs > 0 {
			def.Hierarchy.Parents = make([]int32, segs)
			for j := range def.Hierarchy.Parents {
				def.Hierarchy.Parents[j] = d.i32()
			}
		}
		def.DofNames = d.strs()
	}
	defs.AnalogChannelNames = d.strs()
	defs.NumForcePlates = d.i32()
	if err := d.finish(); err != nil {
		return id, nil, err
	}
	if err := defs.Validate(maxBodies); err != nil {
		return id, nil, err
	}
	return id, defs, nil
}

// Response is a decoded command reply. Payload aliases the message buffer.
type Response struct {
	ID      uint32
	Code    uint8
	Payload []byte
}

// DecodeResponse decodes a command reply payload.
func DecodeResponse(payload []byte) (Response, error) {
	d := &decoder{buf: payload}
	var r Response
	r.ID = d.u32()
	r.Code = d.u8()
	n := d.u32()
	if d.err == nil && n > maxPayloadBytes {
		return r, fmt.Errorf("response payload of %d bytes: %w", n, ErrFieldTooLong)
	}
	r.Payload = d.take(int(n))
	return r, d.finish()
}

// DecodeLog decodes a host diagnostic message.
func DecodeLog(payload []byte) (uint8, string, error) {
	d := &decoder{buf: payload}
	level := d.u8()
	text := d.str(maxLogBytes)
	return level, text, d.finish()
}

// DecodeRequest decodes a text command.
func DecodeRequest(payload []byte) (uint32, string, error) {
	d := &decoder{buf: payload}
	id := d.u32()
	cmd := d.str(maxCommandBytes)
	return id, cmd, d.finish()
}

// DecodeBodyDefsRequest decodes a body definition query.
func DecodeBodyDefsRequest(payload []byte) (uint32, error) {
	d := &decoder{buf: payload}
	id := d.u32()
	return id, d.finish()
}
