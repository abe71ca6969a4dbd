package controller

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/observability"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
	"github.com/groovelink/groovelink/internal/sched"
)

var ErrBusy = errors.New("controller: deferred operation already active")

// Emitter sends messages back toward the relay. Implemented by the agent;
// tests capture the stream directly.
type Emitter interface {
	EmitResponse(resp rpc.Response)
	EmitNotification(n rpc.Notification)
}

const (
	// DefaultSettleDelay separates container creation from the first item
	// insert: the host applies structural mutations asynchronously.
	DefaultSettleDelay = 400 * time.Millisecond
	// DefaultStepDelay separates consecutive item inserts.
	DefaultStepDelay = 250 * time.Millisecond
)

// operation is the single in-flight stepwise command. Only the engine's
// transition methods touch it, always from the scheduler thread.
type operation struct {
	id     json.RawMessage
	params rpc.CreateTrackParams
	next   int
	added  int
}

// Engine runs deferred commands as chains of scheduled, delayed tasks:
// create the container, settle, insert items one per tick, then emit the
// one terminal result. A failed item is logged and skipped, never fatal
// to the sequence.
type Engine struct {
	host        Host
	scheduler   sched.Scheduler
	emitter     Emitter
	settleDelay time.Duration
	stepDelay   time.Duration

	mu sync.Mutex
	op *operation
}

func NewEngine(host Host, scheduler sched.Scheduler, emitter Emitter) *Engine {
	return &Engine{
		host:        host,
		scheduler:   scheduler,
		emitter:     emitter,
		settleDelay: DefaultSettleDelay,
		stepDelay:   DefaultStepDelay,
	}
}

// SetDelays overrides the settle and inter-step delays. Used by the
// simulator config and by tests running on a virtual clock.
func (e *Engine) SetDelays(settle, step time.Duration) {
	e.settleDelay = settle
	e.stepDelay = step
}

// Busy reports whether a stepwise operation currently holds the slot.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op != nil
}

// Start accepts one deferred command and schedules its first step. The
// relay already serializes deferred traffic; the slot check here is the
// engine's own invariant, not a queueing mechanism.
func (e *Engine) Start(id json.RawMessage, params rpc.CreateTrackParams) error {
	e.mu.Lock()
	if e.op != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	op := &operation{id: id, params: params}
	e.op = op
	e.mu.Unlock()

	log.Info().Str("track", params.Name).Int("devices", len(params.Devices)).
		Msg("controller.stepwise operation accepted")
	e.scheduler.Schedule(0, func() { e.createContainer(op) })
	return nil
}

// total counts progress events: one for the container plus one per item.
func (op *operation) total() int {
	return len(op.params.Devices) + 1
}

func (e *Engine) createContainer(op *operation) {
	if err := e.host.CreateTrack(op.params.Name, op.params.Type); err != nil {
		// Container failure is fatal: without the track there is nothing
		// to insert into.
		log.Error().Err(err).Str("track", op.params.Name).
			Msg("controller.stepwise container creation failed")
		observability.RecordStepwiseStep("container_failed")
		e.finishError(op, err)
		return
	}
	observability.RecordStepwiseStep("container")
	e.progress(op, 1, "container")

	if len(op.params.Devices) == 0 {
		e.scheduler.Schedule(e.settleDelay, func() { e.finish(op) })
		return
	}
	e.scheduler.Schedule(e.settleDelay, func() { e.insertItem(op) })
}

func (e *Engine) insertItem(op *operation) {
	i := op.next
	device := op.params.Devices[i]
	if err := e.host.InsertDevice(device); err != nil {
		log.Warn().Err(err).Str("device", device.Label()).
			Msg("controller.stepwise item insert failed, continuing")
		observability.RecordStepwiseStep("item_failed")
	} else {
		op.added++
		observability.RecordStepwiseStep("item")
	}
	e.progress(op, i+2, "adding "+stem(device.Label()))

	op.next++
	if op.next >= len(op.params.Devices) {
		e.scheduler.Schedule(e.stepDelay, func() { e.finish(op) })
		return
	}
	e.scheduler.Schedule(e.stepDelay, func() { e.insertItem(op) })
}

func (e *Engine) progress(op *operation, step int, message string) {
	n, err := rpc.NewProgress(step, op.total(), message)
	if err != nil {
		log.Warn().Err(err).Msg("controller.stepwise progress encoding failed")
		return
	}
	e.emitter.EmitNotification(n)
}

func (e *Engine) finish(op *operation) {
	resp, err := rpc.NewResult(op.id, rpc.CreateTrackResult{
		Name:         op.params.Name,
		Type:         op.params.Type,
		DevicesAdded: op.added,
	})
	if err != nil {
		e.finishError(op, err)
		return
	}
	e.clear(op)
	log.Info().Str("track", op.params.Name).Int("added", op.added).
		Msg("controller.stepwise operation complete")
	e.emitter.EmitResponse(resp)
}

func (e *Engine) finishError(op *operation, cause error) {
	e.clear(op)
	e.emitter.EmitResponse(rpc.NewErrorResponse(op.id, rpc.CodeInternalError, cause.Error()))
}

func (e *Engine) clear(op *operation) {
	e.mu.Lock()
	if e.op == op {
		e.op = nil
	}
	e.mu.Unlock()
}

// stem reduces a device label to the short name used in progress
// messages: base name without extension for paths, the label itself
// otherwise.
func stem(label string) string {
	base := filepath.Base(label)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
