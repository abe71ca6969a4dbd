package controller

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

// Dispatcher maps decoded requests onto host calls. Immediate methods
// resolve synchronously on the scheduler thread; deferred methods hand off
// to the stepwise engine and answer later through the emitter.
type Dispatcher struct {
	host   Host
	engine *Engine
}

func NewDispatcher(host Host, engine *Engine) *Dispatcher {
	return &Dispatcher{host: host, engine: engine}
}

// Handle processes one request. When handled is false the request was
// accepted as a deferred operation and its response will be emitted by the
// engine; nothing should be written now.
func (d *Dispatcher) Handle(req rpc.Request) (resp rpc.Response, handled bool) {
	// One bad request must never take down the session.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("method", req.Method).
				Msg("controller.dispatch recovered")
			resp = rpc.NewErrorResponse(req.ID, rpc.CodeInternalError,
				fmt.Sprintf("internal error in %s", req.Method))
			handled = true
		}
	}()

	switch req.Method {
	case rpc.MethodInfoGet:
		return d.result(req, func() (any, error) { return d.host.Info() }), true
	case rpc.MethodListTracks:
		return d.result(req, func() (any, error) { return d.host.Tracks() }), true
	case rpc.MethodListScenes:
		return d.result(req, func() (any, error) { return d.host.Scenes() }), true
	case rpc.MethodDeviceListParams:
		return d.result(req, func() (any, error) { return d.host.DeviceParameters() }), true
	case rpc.MethodDeviceSetParameter:
		return d.setParameter(req), true
	case rpc.MethodDeviceSelectFirst:
		return d.selection(req, d.host.SelectFirstDevice), true
	case rpc.MethodDeviceSelectNext:
		return d.selection(req, d.host.SelectNextDevice), true
	case rpc.MethodDeviceSelectLast:
		return d.selection(req, d.host.SelectLastDevice), true
	case rpc.MethodTransportSetTempo:
		return d.setTempo(req), true
	case rpc.MethodClipInsertFile:
		return d.insertFile(req), true
	case rpc.MethodTrackCreate:
		return d.createTrack(req)
	default:
		return rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound,
			"method not found: "+req.Method), true
	}
}

func (d *Dispatcher) result(req rpc.Request, call func() (any, error)) rpc.Response {
	value, err := call()
	if err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, err.Error())
	}
	resp, err := rpc.NewResult(req.ID, value)
	if err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, err.Error())
	}
	return resp
}

func (d *Dispatcher) setParameter(req rpc.Request) rpc.Response {
	var params rpc.SetParameterParams
	if err := decodeParams(req.Params, &params); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	}
	return d.result(req, func() (any, error) {
		if err := d.host.SetParameter(params.ParameterID, params.Value); err != nil {
			return nil, err
		}
		return params, nil
	})
}

func (d *Dispatcher) selection(req rpc.Request, selectDevice func() (string, error)) rpc.Response {
	return d.result(req, func() (any, error) {
		name, err := selectDevice()
		if err != nil {
			return nil, err
		}
		return map[string]string{"selected": name}, nil
	})
}

func (d *Dispatcher) setTempo(req rpc.Request) rpc.Response {
	var params rpc.SetTempoParams
	if err := decodeParams(req.Params, &params); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	}
	return d.result(req, func() (any, error) {
		if err := d.host.SetTempo(params.BPM); err != nil {
			return nil, err
		}
		return params, nil
	})
}

func (d *Dispatcher) insertFile(req rpc.Request) rpc.Response {
	var params rpc.InsertFileParams
	if err := decodeParams(req.Params, &params); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	}
	return d.result(req, func() (any, error) {
		if err := d.host.InsertClipFile(params.TrackIndex, params.SlotIndex, params.Path); err != nil {
			return nil, err
		}
		return params, nil
	})
}

func (d *Dispatcher) createTrack(req rpc.Request) (rpc.Response, bool) {
	var params rpc.CreateTrackParams
	if err := decodeParams(req.Params, &params); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error()), true
	}
	if err := params.Validate(); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error()), true
	}
	if err := d.engine.Start(req.ID, params); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, err.Error()), true
	}
	return rpc.Response{}, false
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("malformed params: %v", err)
	}
	return nil
}
