package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/groovelink/groovelink/internal/protocol/frame"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
	"github.com/groovelink/groovelink/internal/testutil/testlog"
)

func startService(t *testing.T, cfg Config) (svc *Service, controlAddr, clientAddr string) {
	t.Helper()
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen clients: %v", err)
	}

	svc = NewService(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Serve(ctx, controlLn, clientLn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, controlLn.Addr().String(), clientLn.Addr().String()
}

func waitControlConnected(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.ControlState() == ControlConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("control peer never registered")
}

// fakePeer plays the controlled side over a real socket: it pumps relay
// requests into a channel and answers on demand.
type fakePeer struct {
	t        *testing.T
	conn     net.Conn
	codec    frame.Codec
	requests chan rpc.Request
}

func dialPeer(t *testing.T, addr string) *fakePeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	p := &fakePeer{
		t:        t,
		conn:     conn,
		codec:    frame.NewCodec(frame.RoleFramed, frame.DefaultLimits()),
		requests: make(chan rpc.Request, 16),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go p.pump()
	return p
}

func (p *fakePeer) pump() {
	reader := bufio.NewReader(p.conn)
	for {
		payload, err := p.codec.Read(reader)
		if err != nil {
			close(p.requests)
			return
		}
		var req rpc.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}
		p.requests <- req
	}
}

func (p *fakePeer) next(timeout time.Duration) (rpc.Request, bool) {
	select {
	case req, ok := <-p.requests:
		return req, ok
	case <-time.After(timeout):
		return rpc.Request{}, false
	}
}

func (p *fakePeer) send(v any) {
	p.t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		p.t.Fatalf("peer marshal: %v", err)
	}
	buf, err := p.codec.Encode(raw)
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	if _, err := p.conn.Write(buf); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func (p *fakePeer) sendResult(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		p.t.Fatalf("peer result marshal: %v", err)
	}
	p.send(rpc.Response{JSONRPC: rpc.Version, Result: raw, ID: id})
}

func (p *fakePeer) sendProgress(step, total int, message string) {
	n, err := rpc.NewProgress(step, total, message)
	if err != nil {
		p.t.Fatalf("peer progress: %v", err)
	}
	p.send(n)
}

// echo answers every forwarded request with {"method": <name>}.
func (p *fakePeer) echo() {
	go func() {
		for req := range p.requests {
			p.sendResult(req.ID, map[string]string{"method": req.Method})
		}
	}()
}

// testClient is a synchronous framed client.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	codec  frame.Codec
	reader *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{
		t:      t,
		conn:   conn,
		codec:  frame.NewCodec(frame.RoleFramed, frame.DefaultLimits()),
		reader: bufio.NewReader(conn),
	}
}

func (c *testClient) send(payload string) {
	c.t.Helper()
	buf, err := c.codec.Encode([]byte(payload))
	if err != nil {
		c.t.Fatalf("client encode: %v", err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

func (c *testClient) read() []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := c.codec.Read(c.reader)
	if err != nil {
		c.t.Fatalf("client read: %v", err)
	}
	return payload
}

func (c *testClient) readResponse() rpc.Response {
	c.t.Helper()
	var resp rpc.Response
	if err := json.Unmarshal(c.read(), &resp); err != nil {
		c.t.Fatalf("client decode: %v", err)
	}
	return resp
}

func TestImmediateRoundTrip(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	peer.echo()
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":"2.0","method":"info.get","id":1}`)

	resp := client.readResponse()
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("client id not restored: %s", resp.ID)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["method"] != "info.get" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestTokenRewriteOnControlLeg(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":"2.0","method":"list.tracks","id":"my-id"}`)

	req, ok := peer.next(2 * time.Second)
	if !ok {
		t.Fatalf("request never reached peer")
	}
	var token string
	if err := json.Unmarshal(req.ID, &token); err != nil {
		t.Fatalf("forwarded id is not a token string: %s", req.ID)
	}
	if token == "my-id" || len(token) != 26 {
		t.Fatalf("expected 26-char relay token, got %q", token)
	}

	peer.sendResult(req.ID, []string{})
	resp := client.readResponse()
	if string(resp.ID) != `"my-id"` {
		t.Fatalf("original id not restored: %s", resp.ID)
	}
}

func TestNotConnectedFailsFast(t *testing.T) {
	testlog.Start(t)
	_, _, clientAddr := startService(t, Config{})

	client := dialClient(t, clientAddr)
	start := time.Now()
	client.send(`{"jsonrpc":"2.0","method":"info.get","id":1}`)
	resp := client.readResponse()

	if resp.Err == nil || resp.Err.Code != rpc.CodeNotConnected {
		t.Fatalf("expected not-connected error, got %+v", resp)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("not-connected answer must be immediate")
	}
}

func TestRequestTimeout(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{
		ImmediateTimeout: 150 * time.Millisecond,
	})

	// Peer connects but never answers.
	dialPeer(t, controlAddr)
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":"2.0","method":"info.get","id":9}`)
	resp := client.readResponse()
	if resp.Err == nil || resp.Err.Code != rpc.CodeTimeout {
		t.Fatalf("expected timeout error, got %+v", resp)
	}
	if string(resp.ID) != "9" {
		t.Fatalf("timeout response must carry the client id: %s", resp.ID)
	}
}

func TestRecoveryAfterReconnect(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	first := dialPeer(t, controlAddr)
	waitControlConnected(t, svc)
	_ = first.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc.ControlState() == ControlConnected {
		time.Sleep(5 * time.Millisecond)
	}

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":"2.0","method":"info.get","id":1}`)
	resp := client.readResponse()
	if resp.Err == nil || resp.Err.Code != rpc.CodeNotConnected {
		t.Fatalf("expected not-connected after peer loss, got %+v", resp)
	}

	second := dialPeer(t, controlAddr)
	second.echo()
	waitControlConnected(t, svc)

	client.send(`{"jsonrpc":"2.0","method":"info.get","id":2}`)
	resp = client.readResponse()
	if resp.Err != nil {
		t.Fatalf("relay did not recover: %v", resp.Err)
	}
}

func TestBatchLengthAndOrder(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	peer.echo()
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`[
		{"jsonrpc":"2.0","method":"info.get","id":1},
		{"jsonrpc":"2.0","method":"list.tracks","id":2},
		{"jsonrpc":"2.0","method":"list.scenes","id":3}
	]`)

	var responses []rpc.Response
	if err := json.Unmarshal(client.read(), &responses); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("batch length mismatch: %d", len(responses))
	}
	for i, resp := range responses {
		if string(resp.ID) != fmt.Sprintf("%d", i+1) {
			t.Fatalf("batch order lost at %d: id %s", i, resp.ID)
		}
	}
}

func TestDeferredRejectedInBatch(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	peer.echo()
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`[
		{"jsonrpc":"2.0","method":"info.get","id":1},
		{"jsonrpc":"2.0","method":"track.create","params":{"name":"X","type":"audio"},"id":2}
	]`)

	var responses []rpc.Response
	if err := json.Unmarshal(client.read(), &responses); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("batch length mismatch: %d", len(responses))
	}
	if responses[0].Err != nil {
		t.Fatalf("immediate slot must still succeed: %v", responses[0].Err)
	}
	if responses[1].Err == nil || responses[1].Err.Code != rpc.CodeInvalidParams {
		t.Fatalf("deferred slot must fail with invalid params, got %+v", responses[1])
	}
}

func TestDeferredSingleFlight(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	waitControlConnected(t, svc)

	clientA := dialClient(t, clientAddr)
	clientB := dialClient(t, clientAddr)

	clientA.send(`{"jsonrpc":"2.0","method":"track.create","params":{"name":"A","type":"audio"},"id":1}`)
	first, ok := peer.next(2 * time.Second)
	if !ok {
		t.Fatalf("first deferred request never arrived")
	}

	// Second deferred request must queue, not reach the peer.
	clientB.send(`{"jsonrpc":"2.0","method":"track.create","params":{"name":"B","type":"audio"},"id":2}`)
	if req, ok := peer.next(200 * time.Millisecond); ok {
		t.Fatalf("second deferred request leaked while first active: %+v", req)
	}

	peer.sendResult(first.ID, map[string]int{"devicesAdded": 0})
	respA := clientA.readResponse()
	if respA.Err != nil {
		t.Fatalf("first deferred failed: %v", respA.Err)
	}

	second, ok := peer.next(2 * time.Second)
	if !ok {
		t.Fatalf("queued deferred request never promoted")
	}
	peer.sendResult(second.ID, map[string]int{"devicesAdded": 0})
	respB := clientB.readResponse()
	if respB.Err != nil {
		t.Fatalf("second deferred failed: %v", respB.Err)
	}
	if string(respB.ID) != "2" {
		t.Fatalf("second response id mismatch: %s", respB.ID)
	}
}

func TestProgressRoutedToDeferredOwner(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":"2.0","method":"track.create","params":{"name":"A","type":"instrument"},"id":5}`)
	req, ok := peer.next(2 * time.Second)
	if !ok {
		t.Fatalf("deferred request never arrived")
	}

	peer.sendProgress(1, 1, "container")
	peer.sendResult(req.ID, map[string]int{"devicesAdded": 0})

	var progress rpc.Notification
	if err := json.Unmarshal(client.read(), &progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if progress.Method != rpc.ProgressMethod {
		t.Fatalf("expected progress first, got %+v", progress)
	}

	resp := client.readResponse()
	if resp.Err != nil || string(resp.ID) != "5" {
		t.Fatalf("unexpected terminal: %+v", resp)
	}
}

func TestControlReplaceOnSecondConnection(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	stale := dialPeer(t, controlAddr)
	waitControlConnected(t, svc)

	fresh := dialPeer(t, controlAddr)
	fresh.echo()
	// The stale peer's socket gets closed by the replacement.
	if _, ok := <-stale.requests; ok {
		t.Fatalf("stale peer should see only its closed socket")
	}
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":"2.0","method":"info.get","id":1}`)
	resp := client.readResponse()
	if resp.Err != nil {
		t.Fatalf("fresh peer must serve traffic: %v", resp.Err)
	}
}

func TestMalformedPayloadGetsParseError(t *testing.T) {
	testlog.Start(t)
	svc, controlAddr, clientAddr := startService(t, Config{})

	peer := dialPeer(t, controlAddr)
	peer.echo()
	waitControlConnected(t, svc)

	client := dialClient(t, clientAddr)
	client.send(`{"jsonrpc":`)
	resp := client.readResponse()
	if resp.Err == nil || resp.Err.Code != rpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}
	if string(resp.ID) != "null" {
		t.Fatalf("parse error id must be null, got %s", resp.ID)
	}

	// The session survives a bad payload.
	client.send(`{"jsonrpc":"2.0","method":"info.get","id":1}`)
	resp = client.readResponse()
	if resp.Err != nil {
		t.Fatalf("session should survive parse error: %v", resp.Err)
	}
}
