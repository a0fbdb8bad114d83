package models

import (
	"errors"
	"fmt"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// LIMITS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

const (
	// DefaultMaxBodies is the number of body slots the host protocol reserves
	// in a frame and in a body definition set.
	DefaultMaxBodies = 100

	// XEmpty in the first marker coordinate means the marker has no data in
	// the current frame.
	XEmpty float32 = 9999999.0

	MaxBodyNameBytes    = 128
	MaxHostNameBytes    = 128
	MaxProgramNameBytes = 128
	MaxFilenameBytes    = 256
)

// ErrIndexOutOfRange is returned by the element accessors.
var ErrIndexOutOfRange = errors.New("index out of range")

func indexError(what string, i, n int) error {
	return fmt.Errorf("%s %d of %d: %w", what, i, n, ErrIndexOutOfRange)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// LEAVES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Marker holds X, Y, Z.
type Marker [3]float32

// Empty reports whether the marker carries the no-data sentinel.
func (m Marker) Empty() bool { return m[0] == XEmpty }

// Segment holds X, Y, Z, aX, aY, aZ and the segment length.
type Segment [7]float64

func (s Segment) Position() [3]float64    { return [3]float64{s[0], s[1], s[2]} }
func (s Segment) Orientation() [3]float64 { return [3]float64{s[3], s[4], s[5]} }
func (s Segment) Length() float64         { return s[6] }

// DofValue is one degree of freedom, usually an angle in degrees.
type DofValue = float64

// ForceSample holds X, Y, Z, fX, fY, fZ, mZ for one forceplate sample.
type ForceSample [7]float32

func (f ForceSample) Position() [3]float32 { return [3]float32{f[0], f[1], f[2]} }
func (f ForceSample) Force() [3]float32    { return [3]float32{f[3], f[4], f[5]} }
func (f ForceSample) MomentZ() float32     { return f[6] }

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// HOST ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// HostInfo describes the connection to the capture host.
type HostInfo struct {
	FoundHost              bool
	LatestConfirmationTime int64 // unix milliseconds of the last receipt from the host
	HostMachineName        string
	HostMachineAddress     [4]byte
	HostProgramName        string
	HostProgramVersion     [4]byte
}

// Address formats HostMachineAddress as a dotted quad.
func (h HostInfo) Address() string {
	a := h.HostMachineAddress
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Version formats HostProgramVersion as ModuleID.Major.Minor.Bugfix.
func (h HostInfo) Version() string {
	v := h.HostProgramVersion
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// RecordingStatus reflects the host's recording state.
type RecordingStatus struct {
	Recording  bool
	FirstFrame int32
	LastFrame  int32
	Filename   string
}
