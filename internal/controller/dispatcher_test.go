package controller

import (
	"encoding/json"
	"testing"

	"github.com/groovelink/groovelink/internal/protocol/rpc"
	"github.com/groovelink/groovelink/internal/sched"
	"github.com/groovelink/groovelink/internal/testutil/testlog"
)

func newTestDispatcher(host Host) (*Dispatcher, *sched.Manual, *captureEmitter) {
	clock := sched.NewManual()
	emitter := &captureEmitter{}
	engine := NewEngine(host, clock, emitter)
	return NewDispatcher(host, engine), clock, emitter
}

func mustRequest(t *testing.T, method string, params any, id any) rpc.Request {
	t.Helper()
	req, err := rpc.NewRequest(method, params, id)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestDispatchInfoGet(t *testing.T) {
	testlog.Start(t)
	d, _, _ := newTestDispatcher(NewSimHost())

	resp, handled := d.Handle(mustRequest(t, rpc.MethodInfoGet, nil, 1))
	if !handled || resp.Err != nil {
		t.Fatalf("unexpected outcome: handled=%v err=%v", handled, resp.Err)
	}
	var info Info
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Application == "" || info.Version == "" {
		t.Fatalf("descriptor incomplete: %+v", info)
	}
}

func TestDispatchListTracks(t *testing.T) {
	testlog.Start(t)
	d, _, _ := newTestDispatcher(NewSimHost())

	resp, _ := d.Handle(mustRequest(t, rpc.MethodListTracks, nil, 2))
	var tracks []Track
	if err := json.Unmarshal(resp.Result, &tracks); err != nil {
		t.Fatalf("decode tracks: %v", err)
	}
	if len(tracks) != 2 || tracks[0].Name != "Drums" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	testlog.Start(t)
	d, _, _ := newTestDispatcher(NewSimHost())

	resp, handled := d.Handle(mustRequest(t, "no.such", nil, 3))
	if !handled || resp.Err == nil || resp.Err.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp)
	}
	if resp.Err.Message != "method not found: no.such" {
		t.Fatalf("unexpected message %q", resp.Err.Message)
	}
}

func TestDispatchSetParameterValidation(t *testing.T) {
	testlog.Start(t)
	host := NewSimHost()
	d, _, _ := newTestDispatcher(host)

	// Out-of-range value is rejected before any host call.
	resp, _ := d.Handle(mustRequest(t, rpc.MethodDeviceSetParameter,
		rpc.SetParameterParams{ParameterID: "p0", Value: 2}, 4))
	if resp.Err == nil || resp.Err.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected invalid-params, got %+v", resp)
	}

	// Valid value requires a selected device first.
	resp, _ = d.Handle(mustRequest(t, rpc.MethodDeviceSetParameter,
		rpc.SetParameterParams{ParameterID: "p0", Value: 0.7}, 5))
	if resp.Err == nil || resp.Err.Code != rpc.CodeInternalError {
		t.Fatalf("expected internal error without selection, got %+v", resp)
	}

	d.Handle(mustRequest(t, rpc.MethodDeviceSelectFirst, nil, 6))
	resp, _ = d.Handle(mustRequest(t, rpc.MethodDeviceSetParameter,
		rpc.SetParameterParams{ParameterID: "p0", Value: 0.7}, 7))
	if resp.Err != nil {
		t.Fatalf("set parameter failed: %v", resp.Err)
	}
	var echo rpc.SetParameterParams
	if err := json.Unmarshal(resp.Result, &echo); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echo.Value != 0.7 {
		t.Fatalf("expected echo of applied value, got %+v", echo)
	}
}

func TestDispatchDeviceSelection(t *testing.T) {
	testlog.Start(t)
	d, _, _ := newTestDispatcher(NewSimHost())

	resp, _ := d.Handle(mustRequest(t, rpc.MethodDeviceSelectFirst, nil, 8))
	var sel map[string]string
	if err := json.Unmarshal(resp.Result, &sel); err != nil {
		t.Fatalf("decode selection: %v", err)
	}
	if sel["selected"] != "Polysynth" {
		t.Fatalf("unexpected selection: %v", sel)
	}

	resp, _ = d.Handle(mustRequest(t, rpc.MethodDeviceSelectLast, nil, 9))
	_ = json.Unmarshal(resp.Result, &sel)
	if sel["selected"] != "EQ-5" {
		t.Fatalf("unexpected last selection: %v", sel)
	}
}

func TestDispatchSetTempo(t *testing.T) {
	testlog.Start(t)
	host := NewSimHost()
	d, _, _ := newTestDispatcher(host)

	resp, _ := d.Handle(mustRequest(t, rpc.MethodTransportSetTempo,
		rpc.SetTempoParams{BPM: 174}, 10))
	if resp.Err != nil {
		t.Fatalf("set tempo failed: %v", resp.Err)
	}
	if host.Tempo() != 174 {
		t.Fatalf("tempo not applied: %v", host.Tempo())
	}

	resp, _ = d.Handle(mustRequest(t, rpc.MethodTransportSetTempo,
		rpc.SetTempoParams{BPM: 1000}, 11))
	if resp.Err == nil || resp.Err.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected invalid-params for bpm 1000, got %+v", resp)
	}
}

func TestDispatchMissingParams(t *testing.T) {
	testlog.Start(t)
	d, _, _ := newTestDispatcher(NewSimHost())

	resp, _ := d.Handle(mustRequest(t, rpc.MethodClipInsertFile, nil, 12))
	if resp.Err == nil || resp.Err.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected invalid-params, got %+v", resp)
	}
}

func TestDispatchDeferredHandsOff(t *testing.T) {
	testlog.Start(t)
	d, clock, emitter := newTestDispatcher(NewSimHost())

	req := mustRequest(t, rpc.MethodTrackCreate, rpc.CreateTrackParams{
		Name:    "FX",
		Type:    rpc.TrackTypeEffect,
		Devices: []rpc.DeviceEntry{{Type: "file", Path: "/verb.preset"}},
	}, 13)
	_, handled := d.Handle(req)
	if handled {
		t.Fatalf("deferred request must not answer synchronously")
	}

	clock.RunAll()
	if len(emitter.responses) != 1 {
		t.Fatalf("expected one terminal response, got %d", len(emitter.responses))
	}
	if string(emitter.responses[0].ID) != "13" {
		t.Fatalf("terminal id mismatch: %s", emitter.responses[0].ID)
	}
}

func TestDispatchDeferredInvalidType(t *testing.T) {
	testlog.Start(t)
	d, _, _ := newTestDispatcher(NewSimHost())

	resp, handled := d.Handle(mustRequest(t, rpc.MethodTrackCreate,
		map[string]any{"name": "X", "type": "drum"}, 14))
	if !handled || resp.Err == nil || resp.Err.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected synchronous invalid-params, got %+v", resp)
	}
}
