package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

// JSON-RPC 2.0 error codes. The -32000..-32099 range is reserved for
// server-defined errors; the bridge uses it for transport-state failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotConnected   = -32000
	CodeTimeout        = -32001
)

var (
	ErrEmptyPayload     = errors.New("rpc: empty payload")
	ErrEmptyBatch       = errors.New("rpc: empty batch")
	ErrMalformedPayload = errors.New("rpc: malformed payload")
	ErrUnexpectedKind   = errors.New("rpc: unexpected inbound message kind")
)

// Request is one JSON-RPC 2.0 request. IDs stay raw so that whatever the
// client sent (number or string) round-trips byte-identically.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func NewRequest(method string, params any, id any) (Request, error) {
	req := Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		req.Params = raw
	}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return Request{}, err
		}
		req.ID = raw
	}
	return req, nil
}

// IsNotification reports whether the request carries no identifier.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is one JSON-RPC 2.0 response. Exactly one of Result or Err is
// set; ID is always present (null for unattributable failures).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func NewResult(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, Result: raw, ID: normalizeID(id)}, nil
}

func NewErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: Version,
		Err:     &Error{Code: code, Message: message},
		ID:      normalizeID(id),
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Notification is an identifier-less message from the control peer.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ProgressMethod names the interim status notification for deferred
// commands.
const ProgressMethod = "progress"

// ProgressParams is the payload of one progress notification. Steps are
// 1-indexed and strictly increasing by one per event.
type ProgressParams struct {
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

func NewProgress(step, total int, message string) (Notification, error) {
	raw, err := json.Marshal(ProgressParams{Step: step, Total: total, Message: message})
	if err != nil {
		return Notification{}, err
	}
	return Notification{JSONRPC: Version, Method: ProgressMethod, Params: raw}, nil
}

// Payload is one decoded client frame: either a single request or an
// ordered batch.
type Payload struct {
	Batch    bool
	Requests []Request
}

// ParsePayload decodes a client frame payload. A leading '[' (after
// whitespace) marks a batch; the response array must later be length- and
// order-matched against Requests.
func ParsePayload(data []byte) (Payload, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return Payload{}, ErrEmptyPayload
	}
	if trimmed[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if len(batch) == 0 {
			return Payload{}, ErrEmptyBatch
		}
		return Payload{Batch: true, Requests: batch}, nil
	}
	var single Request
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Payload{Requests: []Request{single}}, nil
}

// Inbound is one decoded message arriving from the control peer: a
// response to a forwarded request, or an identifier-less notification.
type Inbound struct {
	Response     *Response
	Notification *Notification
}

func ParseInbound(data []byte) (Inbound, error) {
	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Err    *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if probe.Method != "" {
		if len(probe.ID) != 0 && !bytes.Equal(probe.ID, []byte("null")) {
			// The control peer never issues requests toward the relay.
			return Inbound{}, fmt.Errorf("%w: request from control peer", ErrUnexpectedKind)
		}
		return Inbound{Notification: &Notification{
			JSONRPC: Version,
			Method:  probe.Method,
			Params:  probe.Params,
		}}, nil
	}
	return Inbound{Response: &Response{
		JSONRPC: Version,
		Result:  probe.Result,
		Err:     probe.Err,
		ID:      normalizeID(probe.ID),
	}}, nil
}

// EncodeResponses marshals a batch response array, order-preserving.
func EncodeResponses(responses []Response) ([]byte, error) {
	return json.Marshal(responses)
}
