package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"cortexflow/models"
)

type encoder struct {
	buf []byte
	err error
}

func newEncoder(buf []byte, k Kind) *encoder {
	return &encoder{buf: append(buf[:0], byte(k))}
}

func (e *encoder) u8(v uint8)    { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32)  { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) i32(v int32)   { e.u32(uint32(v)) }
func (e *encoder) f32(v float32) { e.u32(math.Float32bits(v)) }
func (e *encoder) f64(v float64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) str(field, s string, max int) {
	if len(s) > max {
		if e.err == nil {
			e.err = fmt.Errorf("%s is %d bytes, limit %d: %w", field, len(s), max, ErrFieldTooLong)
		}
		return
	}
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strs(field string, ss []string) {
	e.i32(int32(len(ss)))
	for _, s := range ss {
		e.str(field, s, maxNameBytes)
	}
}

func (e *encoder) blob(p []byte) {
	if len(p) > maxPayloadBytes {
		if e.err == nil {
			e.err = fmt.Errorf("payload is %d bytes: %w", len(p), ErrFieldTooLong)
		}
		return
	}
	e.u32(uint32(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *encoder) marker(m models.Marker) {
	e.f32(m[0])
	e.f32(m[1])
	e.f32(m[2])
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// AppendHello encodes the host announcement. LatestConfirmationTime is
// client-side state and is not sent.
func AppendHello(buf []byte, h models.HostInfo) ([]byte, error) {
	e := newEncoder(buf, KindHello)
	e.bool(h.FoundHost)
	e.str("host name", h.HostMachineName, models.MaxHostNameBytes)
	e.buf = append(e.buf, h.HostMachineAddress[:]...)
	e.str("host program name", h.HostProgramName, models.MaxProgramNameBytes)
	e.buf = append(e.buf, h.HostProgramVersion[:]...)
	return e.result()
}

// AppendFrame encodes a frame in host field order.
func AppendFrame(buf []byte, f *models.FrameOfData) ([]byte, error) {
	e := newEncoder(buf, KindFrame)
	e.i32(f.Frame)
	e.f32(f.Delay)

	e.i32(int32(len(f.Bodies)))
	for i := range f.Bodies {
		b := &f.Bodies[i]
		e.str("body name", b.Name, models.MaxBodyNameBytes)
		e.i32(int32(len(b.Markers)))
		for _, m := range b.Markers {
			e.marker(m)
		}
		e.f32(b.AvgMarkerResidual)
		e.i32(int32(len(b.Segments)))
		for _, s := range b.Segments {
			for _, v := range s {
				e.f64(v)
			}
		}
		e.i32(int32(len(b.Dofs)))
		for _, d := range b.Dofs {
			e.f64(d)
		}
		e.f32(b.AvgDofResidual)
		e.i32(b.Iterations)
		e.i32(b.ZoomEncoderValue)
		e.i32(b.FocusEncoderValue)
	}

	e.i32(int32(len(f.UnidentifiedMarkers)))
	for _, m := range f.UnidentifiedMarkers {
		e.marker(m)
	}

	a := &f.Analog
	if err := a.Validate(); err != nil {
		return nil, err
	}
	e.i32(a.NumAnalogChannels)
	e.i32(a.NumAnalogSamples)
	for _, s := range a.AnalogSamples {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(s))
	}
	e.i32(a.NumForcePlates)
	e.i32(a.NumForceSamples)
	for _, fs := range a.Forces {
		for _, v := range fs {
			e.f32(v)
		}
	}
	e.i32(a.NumAngleEncoders)
	e.i32(a.NumAngleEncoderSamples)
	for _, v := range a.AngleEncoderSamples {
		e.f64(v)
	}

	r := &f.RecordingStatus
	e.bool(r.Recording)
	e.i32(r.FirstFrame)
	e.i32(r.LastFrame)
	e.str("capture filename", r.Filename, models.MaxFilenameBytes)
	return e.result()
}

// AppendBodyDefs encodes the reply to a body definition request.
func AppendBodyDefs(buf []byte, id uint32, defs *models.BodyDefs) ([]byte, error) {
	e := newEncoder(buf, KindBodyDefs)
	e.u32(id)
	if defs == nil {
		defs = &models.BodyDefs{}
	}
	e.i32(int32(len(defs.BodyDefs)))
	for i := range defs.BodyDefs {
		d := &defs.BodyDefs[i]
		if err := d.Hierarchy.Validate(); err != nil {
			return nil, err
		}
		e.str("body name", d.Name, models.MaxBodyNameBytes)
		e.strs("marker name", d.MarkerNames)
		e.strs("segment name", d.Hierarchy.SegmentNames)
		for _, p := range d.Hierarchy.Parents {
			e.i32(p)
		}
		e.strs("dof name", d.DofNames)
	}
	e.strs("analog channel name", defs.AnalogChannelNames)
	e.i32(defs.NumForcePlates)
	return e.result()
}

// AppendResponse encodes a command reply.
func AppendResponse(buf []byte, id uint32, code uint8, payload []byte) ([]byte, error) {
	e := newEncoder(buf, KindResponse)
	e.u32(id)
	e.u8(code)
	e.blob(payload)
	return e.result()
}

// AppendLog encodes a host diagnostic message.
func AppendLog(buf []byte, level uint8, text string) ([]byte, error) {
	e := newEncoder(buf, KindLog)
	e.u8(level)
	e.str("log text", text, maxLogBytes)
	return e.result()
}

// AppendRequest encodes a text command.
func AppendRequest(buf []byte, id uint32, command string) ([]byte, error) {
	e := newEncoder(buf, KindRequest)
	e.u32(id)
	e.str("command", command, maxCommandBytes)
	return e.result()
}

// AppendBodyDefsRequest encodes a body definition query.
func AppendBodyDefsRequest(buf []byte, id uint32) ([]byte, error) {
	e := newEncoder(buf, KindBodyDefsRequest)
	e.u32(id)
	return e.result()
}
