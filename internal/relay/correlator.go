package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/observability"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

var (
	ErrRequestTimeout = errors.New("relay: request timed out")
	ErrClientGone     = errors.New("relay: client disconnected")
)

// ControlSender forwards one encoded payload to the control peer.
type ControlSender interface {
	Send(payload []byte) error
}

// ProgressSink receives interim progress notifications for a deferred
// request. Implemented by the owning client session.
type ProgressSink interface {
	SendProgress(params rpc.ProgressParams)
}

// entry tracks one in-flight forwarded request. The relay-minted token
// replaces the client id on the control leg; origID restores the client's
// own id on the way back.
type entry struct {
	owner     any
	origID    json.RawMessage
	deferred  bool
	sink      ProgressSink
	respCh    chan rpc.Response
	abandoned bool
}

// waiter is one deferred request parked behind the single-flight slot.
type waiter struct {
	owner   any
	readyCh chan struct{}
}

// Correlator rewrites request ids to relay-minted tokens, matches control
// peer responses back to blocked client calls, and serializes deferred
// commands: at most one stepwise operation runs system-wide, later ones
// queue in arrival order.
type Correlator struct {
	sender           ControlSender
	immediateTimeout time.Duration
	deferredTimeout  time.Duration

	mu       sync.Mutex
	inflight map[string]*entry
	active   *entry
	// reserved names the promoted waiter that owns the slot during the
	// window between its wake-up and the registration of its entry.
	reserved *waiter
	queue    []*waiter
}

func NewCorrelator(sender ControlSender, immediateTimeout, deferredTimeout time.Duration) *Correlator {
	return &Correlator{
		sender:           sender,
		immediateTimeout: immediateTimeout,
		deferredTimeout:  deferredTimeout,
		inflight:         make(map[string]*entry),
	}
}

func newToken() string {
	return ulid.Make().String()
}

// CallImmediate forwards one immediate request and blocks the calling
// client goroutine until the control peer answers, the timeout fires, or
// the control leg drops.
func (c *Correlator) CallImmediate(ctx context.Context, owner any, req rpc.Request) rpc.Response {
	token := newToken()
	e := &entry{
		owner:  owner,
		origID: req.ID,
		respCh: make(chan rpc.Response, 1),
	}

	c.mu.Lock()
	c.inflight[token] = e
	c.mu.Unlock()

	if resp, ok := c.dispatch(token, e, req); !ok {
		return resp
	}
	return c.await(ctx, token, e, c.immediateTimeout)
}

// CallDeferred forwards one deferred request, first acquiring the global
// single-flight slot. A second deferred request arriving while one runs
// waits in FIFO order rather than failing. The deferred budget covers the
// whole call: time spent queued is deducted from the await timeout.
func (c *Correlator) CallDeferred(ctx context.Context, owner any, sink ProgressSink, req rpc.Request) rpc.Response {
	timeout := c.deferredTimeout
	c.mu.Lock()
	if c.active != nil || c.reserved != nil {
		w := &waiter{owner: owner, readyCh: make(chan struct{}, 1)}
		c.queue = append(c.queue, w)
		depth := len(c.queue)
		c.mu.Unlock()
		observability.SetDeferredQueueDepth(depth)
		log.Info().Str("method", req.Method).Int("depth", depth).
			Msg("relay.correlator deferred request queued behind active operation")

		waitStart := time.Now()
		select {
		case <-w.readyCh:
		case <-ctx.Done():
			c.removeWaiter(w)
			return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, ErrClientGone.Error())
		case <-time.After(timeout):
			c.removeWaiter(w)
			return rpc.NewErrorResponse(req.ID, rpc.CodeTimeout, ErrRequestTimeout.Error())
		}
		timeout -= time.Since(waitStart)

		c.mu.Lock()
		if c.reserved != w {
			// Only the waiter itself releases its reservation; losing it
			// here means the queue state is corrupt.
			c.mu.Unlock()
			return rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, "deferred slot reservation lost")
		}
		c.reserved = nil
		if timeout <= 0 {
			c.mu.Unlock()
			c.promote()
			return rpc.NewErrorResponse(req.ID, rpc.CodeTimeout, ErrRequestTimeout.Error())
		}
	}

	token := newToken()
	e := &entry{
		owner:    owner,
		origID:   req.ID,
		deferred: true,
		sink:     sink,
		respCh:   make(chan rpc.Response, 1),
	}
	c.active = e
	c.inflight[token] = e
	c.mu.Unlock()

	if resp, ok := c.dispatch(token, e, req); !ok {
		return resp
	}
	return c.await(ctx, token, e, timeout)
}

// dispatch rewrites the id to token and sends. On failure the entry is
// unwound and the error response for the client is returned with ok=false.
func (c *Correlator) dispatch(token string, e *entry, req rpc.Request) (rpc.Response, bool) {
	wire := req
	wire.JSONRPC = rpc.Version
	idRaw, err := json.Marshal(token)
	if err != nil {
		c.drop(token, e)
		return rpc.NewErrorResponse(e.origID, rpc.CodeInternalError, err.Error()), false
	}
	wire.ID = idRaw

	payload, err := json.Marshal(wire)
	if err != nil {
		c.drop(token, e)
		return rpc.NewErrorResponse(e.origID, rpc.CodeInternalError, err.Error()), false
	}
	if err := c.sender.Send(payload); err != nil {
		c.drop(token, e)
		code := rpc.CodeInternalError
		if errors.Is(err, ErrControlNotConnected) {
			code = rpc.CodeNotConnected
		}
		return rpc.NewErrorResponse(e.origID, code, err.Error()), false
	}
	log.Debug().Str("method", req.Method).Str("token", token).Msg("relay.correlator request forwarded")
	return rpc.Response{}, true
}

// await blocks until the token resolves or the timeout fires. On timeout
// the entry is dropped so a late answer from the peer is discarded. When
// the client itself goes away mid-flight, a deferred entry is abandoned
// rather than dropped: the peer is still executing the operation, so the
// single-flight slot stays held until its terminal answer arrives.
func (c *Correlator) await(ctx context.Context, token string, e *entry, timeout time.Duration) rpc.Response {
	select {
	case resp := <-e.respCh:
		resp.ID = normalizedOrig(e.origID)
		return resp
	case <-ctx.Done():
		if e.deferred {
			c.abandon(token)
		} else {
			c.drop(token, e)
		}
		return rpc.NewErrorResponse(e.origID, rpc.CodeInternalError, ErrClientGone.Error())
	case <-time.After(timeout):
		c.drop(token, e)
		log.Warn().Str("token", token).Dur("after", timeout).Msg("relay.correlator request timed out")
		return rpc.NewErrorResponse(e.origID, rpc.CodeTimeout, ErrRequestTimeout.Error())
	}
}

func normalizedOrig(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// drop removes an unresolved entry and, for deferred entries, releases the
// single-flight slot so the queue keeps moving.
func (c *Correlator) drop(token string, e *entry) {
	c.mu.Lock()
	delete(c.inflight, token)
	release := e.deferred && c.active == e
	if release {
		c.active = nil
	}
	c.mu.Unlock()
	if release {
		c.promote()
	}
}

// abandon detaches the caller from an in-flight entry without releasing
// anything. The terminal response still clears the slot, silently.
func (c *Correlator) abandon(token string) {
	c.mu.Lock()
	if e, ok := c.inflight[token]; ok {
		e.abandoned = true
		e.sink = nil
	}
	c.mu.Unlock()
}

// promote hands the slot to the oldest queued deferred waiter, if any.
// The reservation is held in the waiter's own name until it wakes and
// registers its entry, so neither a new request nor a second promotion
// can claim the slot in between.
func (c *Correlator) promote() {
	c.mu.Lock()
	var next *waiter
	if c.active == nil && c.reserved == nil && len(c.queue) > 0 {
		next = c.queue[0]
		c.queue = c.queue[1:]
		c.reserved = next
	}
	depth := len(c.queue)
	c.mu.Unlock()
	observability.SetDeferredQueueDepth(depth)
	if next != nil {
		next.readyCh <- struct{}{}
	}
}

// removeWaiter retracts a queued waiter that gave up. If promotion won
// the race and already reserved the slot in its name, the reservation is
// released and the next waiter moves up.
func (c *Correlator) removeWaiter(w *waiter) {
	c.mu.Lock()
	for i, queued := range c.queue {
		if queued == w {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	depth := len(c.queue)
	releaseReserved := c.reserved == w
	if releaseReserved {
		c.reserved = nil
	}
	c.mu.Unlock()
	observability.SetDeferredQueueDepth(depth)
	if releaseReserved {
		c.promote()
	}
}

// HandleInbound consumes one payload from the control peer: a response to
// a forwarded request, or a progress notification for the active deferred
// operation.
func (c *Correlator) HandleInbound(payload []byte) {
	in, err := rpc.ParseInbound(payload)
	if err != nil {
		log.Warn().Err(err).Msg("relay.correlator dropping undecodable control payload")
		return
	}

	if in.Notification != nil {
		c.handleNotification(in.Notification)
		return
	}
	c.handleResponse(in.Response)
}

func (c *Correlator) handleNotification(n *rpc.Notification) {
	if n.Method != rpc.ProgressMethod {
		log.Debug().Str("method", n.Method).Msg("relay.correlator ignoring unknown notification")
		return
	}
	var params rpc.ProgressParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		log.Warn().Err(err).Msg("relay.correlator dropping malformed progress params")
		return
	}

	c.mu.Lock()
	var sink ProgressSink
	if c.active != nil {
		sink = c.active.sink
	}
	c.mu.Unlock()
	if sink == nil {
		log.Debug().Int("step", params.Step).Msg("relay.correlator progress with no active operation")
		return
	}
	sink.SendProgress(params)
}

func (c *Correlator) handleResponse(resp *rpc.Response) {
	var token string
	if err := json.Unmarshal(resp.ID, &token); err != nil {
		log.Warn().RawJSON("id", resp.ID).Msg("relay.correlator response with non-token id")
		return
	}

	c.mu.Lock()
	e, ok := c.inflight[token]
	if ok {
		delete(c.inflight, token)
	}
	release := ok && e.deferred && c.active == e
	if release {
		c.active = nil
	}
	c.mu.Unlock()

	if !ok {
		// Late answer for a timed-out caller.
		log.Debug().Str("token", token).Msg("relay.correlator dropping response for unknown token")
		return
	}
	if !e.abandoned {
		e.respCh <- *resp
	}
	if release {
		c.promote()
	}
}

// ClientClosed purges state owned by a disconnected client: queued waiters
// are removed and in-flight requests detached. A running stepwise
// operation keeps the single-flight slot until its terminal response.
func (c *Correlator) ClientClosed(owner any) {
	c.mu.Lock()
	kept := c.queue[:0]
	for _, w := range c.queue {
		if w.owner == owner {
			continue
		}
		kept = append(kept, w)
	}
	c.queue = kept
	depth := len(c.queue)
	for token, e := range c.inflight {
		if e.owner != owner {
			continue
		}
		if e.deferred {
			e.abandoned = true
			e.sink = nil
			continue
		}
		delete(c.inflight, token)
	}
	c.mu.Unlock()
	observability.SetDeferredQueueDepth(depth)
}

// ControlDown fails every in-flight request: with the control leg gone no
// answer can ever arrive. A reservation held by a promoted waiter is left
// in place; that waiter registers normally and its own dispatch reports
// the link state.
func (c *Correlator) ControlDown(err error) {
	c.mu.Lock()
	failed := make([]*entry, 0, len(c.inflight))
	for token, e := range c.inflight {
		delete(c.inflight, token)
		failed = append(failed, e)
	}
	c.active = nil
	c.mu.Unlock()

	for _, e := range failed {
		if e.abandoned {
			continue
		}
		e.respCh <- rpc.NewErrorResponse(e.origID, rpc.CodeNotConnected, err.Error())
	}
	if len(failed) > 0 {
		log.Warn().Int("failed", len(failed)).Msg("relay.correlator failed in-flight requests on control loss")
	}
	c.promote()
}
