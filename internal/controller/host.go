// Package controller implements the controlled-peer side of the bridge:
// a dispatcher and stepwise engine driven by a cooperative scheduler, an
// agent that dials out to the relay, and a simulated host for running the
// whole pipeline without the real application.
package controller

import (
	"errors"
	"fmt"
	"sync"

	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

var (
	ErrNoDeviceSelected = errors.New("controller: no device selected")
	ErrNoSuchTrack      = errors.New("controller: no such track")
	ErrNoSuchParameter  = errors.New("controller: no such parameter")
	ErrDeviceRejected   = errors.New("controller: device rejected by host")
)

// Info describes the controlled environment.
type Info struct {
	Application string `json:"application"`
	Version     string `json:"version"`
	APIVersion  int    `json:"apiVersion"`
	Project     string `json:"project"`
}

// Track is one track descriptor as reported to clients.
type Track struct {
	Index  int     `json:"index"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Mute   bool    `json:"mute"`
	Volume float64 `json:"volume"`
}

// Scene is one scene descriptor.
type Scene struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Parameter is one remote-control parameter of the selected device.
type Parameter struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Host is the surface the dispatcher drives. The real implementation wraps
// the application's extension API; SimHost stands in for it everywhere
// else. All methods are called from the single scheduler thread.
type Host interface {
	Info() (Info, error)
	Tracks() ([]Track, error)
	Scenes() ([]Scene, error)
	DeviceParameters() ([]Parameter, error)
	SetParameter(id string, value float64) error
	SelectFirstDevice() (string, error)
	SelectNextDevice() (string, error)
	SelectLastDevice() (string, error)
	SetTempo(bpm float64) error
	InsertClipFile(trackIndex, slotIndex int, path string) error
	CreateTrack(name string, trackType rpc.TrackType) error
	InsertDevice(device rpc.DeviceEntry) error
}

// SimHost is an in-memory Host for the simulator binary and tests. Device
// inserts can be made to fail by label to exercise step-level recovery.
type SimHost struct {
	mu          sync.Mutex
	info        Info
	tracks      []Track
	scenes      []Scene
	params      []Parameter
	devices     []string
	selected    int
	tempo       float64
	failDevices map[string]bool
}

func NewSimHost() *SimHost {
	return &SimHost{
		info: Info{
			Application: "groovelink-sim",
			Version:     "0.3.0",
			APIVersion:  18,
			Project:     "Untitled",
		},
		tracks: []Track{
			{Index: 0, Name: "Drums", Type: "instrument", Volume: 0.8},
			{Index: 1, Name: "Bass", Type: "instrument", Volume: 0.75},
		},
		scenes: []Scene{
			{Index: 0, Name: "Intro"},
			{Index: 1, Name: "Verse"},
		},
		params: []Parameter{
			{ID: "p0", Name: "Cutoff", Value: 0.5},
			{ID: "p1", Name: "Resonance", Value: 0.2},
		},
		devices:     []string{"Polysynth", "EQ-5"},
		selected:    -1,
		tempo:       120,
		failDevices: make(map[string]bool),
	}
}

// FailDevice makes future inserts of the device with the given label fail.
func (h *SimHost) FailDevice(label string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failDevices[label] = true
}

func (h *SimHost) Info() (Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info, nil
}

func (h *SimHost) Tracks() ([]Track, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Track, len(h.tracks))
	copy(out, h.tracks)
	return out, nil
}

func (h *SimHost) Scenes() ([]Scene, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Scene, len(h.scenes))
	copy(out, h.scenes)
	return out, nil
}

func (h *SimHost) DeviceParameters() ([]Parameter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected < 0 {
		return nil, ErrNoDeviceSelected
	}
	out := make([]Parameter, len(h.params))
	copy(out, h.params)
	return out, nil
}

func (h *SimHost) SetParameter(id string, value float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected < 0 {
		return ErrNoDeviceSelected
	}
	for i := range h.params {
		if h.params[i].ID == id {
			h.params[i].Value = value
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoSuchParameter, id)
}

func (h *SimHost) SelectFirstDevice() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.devices) == 0 {
		return "", ErrNoDeviceSelected
	}
	h.selected = 0
	return h.devices[0], nil
}

func (h *SimHost) SelectNextDevice() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected < 0 {
		return "", ErrNoDeviceSelected
	}
	if h.selected+1 < len(h.devices) {
		h.selected++
	}
	return h.devices[h.selected], nil
}

func (h *SimHost) SelectLastDevice() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.devices) == 0 {
		return "", ErrNoDeviceSelected
	}
	h.selected = len(h.devices) - 1
	return h.devices[h.selected], nil
}

func (h *SimHost) SetTempo(bpm float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tempo = bpm
	return nil
}

// Tempo reports the current tempo, for assertions.
func (h *SimHost) Tempo() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tempo
}

func (h *SimHost) InsertClipFile(trackIndex, slotIndex int, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if trackIndex < 0 || trackIndex >= len(h.tracks) {
		return fmt.Errorf("%w: index %d", ErrNoSuchTrack, trackIndex)
	}
	return nil
}

func (h *SimHost) CreateTrack(name string, trackType rpc.TrackType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracks = append(h.tracks, Track{
		Index:  len(h.tracks),
		Name:   name,
		Type:   string(trackType),
		Volume: 0.8,
	})
	return nil
}

func (h *SimHost) InsertDevice(device rpc.DeviceEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	label := device.Label()
	if h.failDevices[label] {
		return fmt.Errorf("%w: %s", ErrDeviceRejected, label)
	}
	h.devices = append(h.devices, label)
	return nil
}
