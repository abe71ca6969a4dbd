package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/observability"
	"github.com/groovelink/groovelink/internal/protocol/frame"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

// ClientServer accepts synchronous client connections and pumps their
// requests through the correlator. Clients speak the same framed JSON-RPC
// dialect as the control leg, one payload at a time per connection.
type ClientServer struct {
	codec      frame.Codec
	correlator *Correlator

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewClientServer(limits frame.Limits, correlator *Correlator) *ClientServer {
	return &ClientServer{
		codec:      frame.NewCodec(frame.RoleFramed, limits),
		correlator: correlator,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts client connections until ctx is cancelled or the listener
// fails. Open sessions are closed on the way out.
func (s *ClientServer) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn, true)
		go s.handleConn(ctx, conn)
	}
}

func (s *ClientServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func (s *ClientServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// ClientSession is one connected client. It doubles as the progress sink
// for deferred requests it owns.
type ClientSession struct {
	conn    net.Conn
	codec   frame.Codec
	writeMu sync.Mutex
}

// SendProgress forwards one interim progress notification to the client.
// Write failures only log; the terminal response path handles the dead
// connection.
func (cs *ClientSession) SendProgress(params rpc.ProgressParams) {
	n, err := rpc.NewProgress(params.Step, params.Total, params.Message)
	if err != nil {
		log.Warn().Err(err).Msg("relay.client encoding progress failed")
		return
	}
	raw, err := json.Marshal(n)
	if err != nil {
		log.Warn().Err(err).Msg("relay.client encoding progress failed")
		return
	}
	if err := cs.write(raw); err != nil {
		log.Warn().Err(err).Msg("relay.client progress write failed")
	}
}

func (cs *ClientSession) write(payload []byte) error {
	buf, err := cs.codec.Encode(payload)
	if err != nil {
		return err
	}
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if _, err := cs.conn.Write(buf); err != nil {
		return err
	}
	observability.RecordFrame("client", "out")
	return nil
}

func (s *ClientServer) handleConn(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &ClientSession{conn: conn, codec: s.codec}
	remote := conn.RemoteAddr().String()
	log.Info().Str("remote", remote).Msg("relay.client connected")

	defer func() {
		_ = conn.Close()
		s.trackConn(conn, false)
		s.correlator.ClientClosed(sess)
		log.Info().Str("remote", remote).Msg("relay.client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		payload, err := s.codec.Read(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				log.Warn().Err(err).Str("remote", remote).Msg("relay.client read failed")
			}
			return
		}
		observability.RecordFrame("client", "in")

		out, respond := s.process(connCtx, sess, payload)
		if !respond {
			continue
		}
		if err := sess.write(out); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("relay.client write failed")
			return
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// process handles one decoded client payload and returns the encoded
// response payload. respond is false when the payload contained only
// notifications.
func (s *ClientServer) process(ctx context.Context, sess *ClientSession, payload []byte) (out []byte, respond bool) {
	parsed, err := rpc.ParsePayload(payload)
	if err != nil {
		code := rpc.CodeParseError
		if errors.Is(err, rpc.ErrEmptyBatch) || errors.Is(err, rpc.ErrEmptyPayload) {
			code = rpc.CodeInvalidRequest
		}
		resp := rpc.NewErrorResponse(nil, code, err.Error())
		return mustMarshal(resp), true
	}

	if !parsed.Batch {
		req := parsed.Requests[0]
		if req.IsNotification() {
			s.forwardNotification(req)
			return nil, false
		}
		resp := s.callOne(ctx, sess, req, false)
		return mustMarshal(resp), true
	}

	// Batch responses are length- and order-matched to the request array.
	responses := make([]rpc.Response, 0, len(parsed.Requests))
	for _, req := range parsed.Requests {
		if req.IsNotification() {
			s.forwardNotification(req)
			continue
		}
		responses = append(responses, s.callOne(ctx, sess, req, true))
	}
	if len(responses) == 0 {
		return nil, false
	}
	raw, err := rpc.EncodeResponses(responses)
	if err != nil {
		resp := rpc.NewErrorResponse(nil, rpc.CodeInternalError, err.Error())
		return mustMarshal(resp), true
	}
	return raw, true
}

// callOne forwards one client request and returns its response. Deferred
// methods are rejected inside batches: their progress stream and long
// lifetime do not compose with an atomic response array.
func (s *ClientServer) callOne(ctx context.Context, sess *ClientSession, req rpc.Request, inBatch bool) rpc.Response {
	if req.JSONRPC != "" && req.JSONRPC != rpc.Version {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidRequest, "unsupported jsonrpc version")
	}
	if strings.TrimSpace(req.Method) == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidRequest, "missing method")
	}

	class := rpc.Classify(req.Method)
	start := time.Now()
	var resp rpc.Response
	switch {
	case class == rpc.ClassDeferred && inBatch:
		resp = rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "deferred method not allowed in batch")
	case class == rpc.ClassDeferred:
		resp = s.correlator.CallDeferred(ctx, sess, sess, req)
	default:
		resp = s.correlator.CallImmediate(ctx, sess, req)
	}

	status := "ok"
	if resp.Err != nil {
		status = "error"
	}
	observability.RecordRequest(req.Method, class.String(), status, time.Since(start))
	return resp
}

// forwardNotification passes an id-less request to the control peer
// without correlation. Nothing comes back, so send failures only log.
func (s *ClientServer) forwardNotification(req rpc.Request) {
	req.JSONRPC = rpc.Version
	raw, err := json.Marshal(req)
	if err != nil {
		log.Warn().Err(err).Msg("relay.client encoding notification failed")
		return
	}
	if err := s.correlator.sender.Send(raw); err != nil {
		log.Debug().Err(err).Str("method", req.Method).Msg("relay.client notification dropped")
	}
}

func mustMarshal(resp rpc.Response) []byte {
	raw, err := json.Marshal(resp)
	if err != nil {
		// A Response of raw JSON fragments we built ourselves cannot fail
		// to marshal; keep the connection alive with a static fallback.
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"encoding failure"},"id":null}`)
	}
	return raw
}
