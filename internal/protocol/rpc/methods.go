package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// Method names at the bridge boundary.
const (
	MethodInfoGet            = "info.get"
	MethodListTracks         = "list.tracks"
	MethodListScenes         = "list.scenes"
	MethodDeviceListParams   = "device.listParams"
	MethodDeviceSetParameter = "device.setParameter"
	MethodDeviceSelectFirst  = "device.selectFirst"
	MethodDeviceSelectNext   = "device.selectNext"
	MethodDeviceSelectLast   = "device.selectLast"
	MethodTransportSetTempo  = "transport.setTempo"
	MethodClipInsertFile     = "clip.insertFile"
	MethodTrackCreate        = "track.create"
)

// Class partitions methods by execution shape. Unknown methods classify as
// immediate so the relay forwards them and the control peer answers with
// method-not-found.
type Class int

const (
	ClassImmediate Class = iota
	ClassDeferred
)

func (c Class) String() string {
	if c == ClassDeferred {
		return "deferred"
	}
	return "immediate"
}

// Classify returns the execution class for a method name. Only deferred
// methods are special-cased: they are decomposed into delayed sub-steps on
// the control peer and must be globally serialized by the relay.
func Classify(method string) Class {
	if method == MethodTrackCreate {
		return ClassDeferred
	}
	return ClassImmediate
}

var (
	ErrInvalidParameterValue = errors.New("rpc: parameter value out of range")
	ErrInvalidTempo          = errors.New("rpc: tempo out of range")
	ErrInvalidTrackType      = errors.New("rpc: invalid track type")
	ErrInvalidDeviceEntry    = errors.New("rpc: invalid device entry")
	ErrInvalidClipTarget     = errors.New("rpc: invalid clip target")
)

// SetParameterParams adjusts one remote control parameter.
type SetParameterParams struct {
	ParameterID string  `json:"parameterId"`
	Value       float64 `json:"value"`
}

func (p SetParameterParams) Validate() error {
	if strings.TrimSpace(p.ParameterID) == "" {
		return fmt.Errorf("%w: missing parameterId", ErrInvalidParameterValue)
	}
	if p.Value < 0 || p.Value > 1 {
		return fmt.Errorf("%w: %g not in [0,1]", ErrInvalidParameterValue, p.Value)
	}
	return nil
}

// SetTempoParams sets the transport tempo in beats per minute.
type SetTempoParams struct {
	BPM float64 `json:"bpm"`
}

const (
	MinTempoBPM = 20
	MaxTempoBPM = 666
)

func (p SetTempoParams) Validate() error {
	if p.BPM < MinTempoBPM || p.BPM > MaxTempoBPM {
		return fmt.Errorf("%w: %g not in [%d,%d]", ErrInvalidTempo, p.BPM, MinTempoBPM, MaxTempoBPM)
	}
	return nil
}

// InsertFileParams loads a media file into one clip launcher slot.
type InsertFileParams struct {
	TrackIndex int    `json:"trackIndex"`
	SlotIndex  int    `json:"slotIndex"`
	Path       string `json:"path"`
}

func (p InsertFileParams) Validate() error {
	if p.TrackIndex < 0 {
		return fmt.Errorf("%w: negative trackIndex", ErrInvalidClipTarget)
	}
	if p.SlotIndex < 0 {
		return fmt.Errorf("%w: negative slotIndex", ErrInvalidClipTarget)
	}
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("%w: missing path", ErrInvalidClipTarget)
	}
	return nil
}

// TrackType enumerates legal track.create targets.
type TrackType string

const (
	TrackTypeInstrument TrackType = "instrument"
	TrackTypeAudio      TrackType = "audio"
	TrackTypeEffect     TrackType = "effect"
)

func (t TrackType) Valid() bool {
	switch t {
	case TrackTypeInstrument, TrackTypeAudio, TrackTypeEffect:
		return true
	}
	return false
}

// DeviceEntry is one device to insert during a deferred track.create.
// Exactly one of Path or ID locates the device content.
type DeviceEntry struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
	ID   string `json:"id,omitempty"`
}

func (d DeviceEntry) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidDeviceEntry)
	}
	if strings.TrimSpace(d.Path) == "" && strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: needs path or id", ErrInvalidDeviceEntry)
	}
	return nil
}

// Label names the device for progress messages, preferring the path.
func (d DeviceEntry) Label() string {
	if v := strings.TrimSpace(d.Path); v != "" {
		return v
	}
	return strings.TrimSpace(d.ID)
}

// CreateTrackParams is the deferred container-plus-items command: create
// one track, then insert each listed device in order.
type CreateTrackParams struct {
	Name    string        `json:"name"`
	Type    TrackType     `json:"type"`
	Devices []DeviceEntry `json:"devices"`
}

func (p CreateTrackParams) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTrackType, p.Type)
	}
	for i, dev := range p.Devices {
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

// CreateTrackResult is the single terminal result of a deferred
// track.create. DevicesAdded may be lower than requested when individual
// inserts failed.
type CreateTrackResult struct {
	Name         string    `json:"name"`
	Type         TrackType `json:"type"`
	DevicesAdded int       `json:"devicesAdded"`
}
