package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"live-hub/contract"
	"live-hub/domain"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"live-hub/errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ contract.IDispatcher = (*Dispatcher)(nil)

const DefaultActionTimeout = 2 * time.Second

const unknownLabel = "unknown"

// inFlight is the single action the dispatcher is waiting on.
// generation identifies it: a completion or a timer carrying an older
// generation belongs to an action that has already been retired.
type inFlight struct {
	request    action.Request
	firedAt    time.Time
	generation uint64
	timer      *time.Timer
}

// Dispatcher serializes action execution: at most one action is in flight,
// the others wait in a FIFO backlog. A handler slower than the timeout is
// preempted, the dispatcher moves on while it keeps running in the background.
//
// The in-flight slot and the backlog are only touched under mu.
// Nothing is sent to a connection and no handler runs while mu is held.
type Dispatcher struct {
	mu         sync.Mutex
	log        *slog.Logger
	actions    *ActionRegistry
	registry   contract.IRegistry
	entities   contract.IEntityCatalog
	metrics    *Metrics
	tracer     trace.Tracer
	timeout    time.Duration
	baseCtx    context.Context
	inFlight   *inFlight
	backlog    []action.Request
	generation uint64
}

type DispatcherOption func(*Dispatcher)

// WithTimeout sets how long a handler may run before being preempted.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithBaseContext sets the context handlers run under.
// Preemption never cancels it: handlers run to completion.
func WithBaseContext(ctx context.Context) DispatcherOption {
	return func(d *Dispatcher) { d.baseCtx = ctx }
}

// NewDispatcher builds an idle dispatcher. entities may be nil when no
// action needs an entity type.
func NewDispatcher(log *slog.Logger, actions *ActionRegistry, registry contract.IRegistry,
	entities contract.IEntityCatalog, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:      log,
		actions:  actions,
		registry: registry,
		entities: entities,
		tracer:   otel.Tracer("live-hub/runtime"),
		timeout:  DefaultActionTimeout,
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit hands an action to the dispatcher. It never blocks on a handler:
// when an action is in flight the request is queued, otherwise it is
// validated right away in the caller's goroutine and its handler started.
// Results reach the sender through its connection.
func (d *Dispatcher) Submit(sender *session.Sender, actionType string, payload json.RawMessage) {
	req := action.Request{Sender: sender, Type: actionType, Payload: payload, EnqueuedAt: time.Now()}
	d.metrics.Submitted(d.label(actionType))

	d.mu.Lock()
	if d.inFlight != nil {
		d.backlog = append(d.backlog, req)
		backlog := len(d.backlog)
		current := d.inFlight.request.Type
		d.mu.Unlock()

		d.metrics.Backlog(backlog)
		d.log.Debug("Waiting on in-flight action, pushing to queue",
			"type", actionType, "in_flight", current, "backlog", backlog)
		return
	}
	slot := d.fireLocked(req)
	d.mu.Unlock()

	d.drive(slot)
}

// fireLocked makes req the in-flight action.
func (d *Dispatcher) fireLocked(req action.Request) *inFlight {
	d.generation++
	slot := &inFlight{request: req, firedAt: time.Now(), generation: d.generation}
	d.inFlight = slot
	return slot
}

// drive processes slots until one of them is left running a handler.
// Actions retired without running (unknown, invalid) are chained here
// iteratively so a long run of them never grows the stack.
func (d *Dispatcher) drive(slot *inFlight) {
	for slot != nil {
		slot = d.process(slot)
	}
}

// process runs the validation gate and starts the handler.
// It returns the next slot when the action was retired on the spot.
func (d *Dispatcher) process(slot *inFlight) *inFlight {
	req := slot.request
	d.metrics.QueueWait(slot.firedAt.Sub(req.EnqueuedAt))
	d.log.Debug("Firing action", "type", req.Type, "session_id", req.Sender.ID, "generation", slot.generation)

	def, failures, outcome, err := d.admit(req)
	switch {
	case err != nil:
		d.log.Warn("Action refused", "type", req.Type, "session_id", req.Sender.ID, "error", err)
		next, _ := d.finish(slot, outcome, func(s *session.Sender) error {
			return s.SendError(req.Payload, err)
		})
		return next
	case len(failures) > 0:
		d.log.Info("Action payload rejected by schema", "type", req.Type, "errors", len(failures))
		next, _ := d.finish(slot, session.Rejected, func(s *session.Sender) error {
			return s.SendEvent(event.InvalidSchema(req.Type, failures))
		})
		return next
	}

	entity := d.resolve(def)
	d.arm(slot)
	go d.execute(slot, def, entity)
	return nil
}

// admit looks the action up and validates its payload.
// A panicking schema fails this action only.
func (d *Dispatcher) admit(req action.Request) (def action.Definition, failures []event.ValidationError,
	outcome session.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = session.Failed
			err = fmt.Errorf("%w: schema of %s: %v", errors.ErrHandlerPanic, req.Type, r)
		}
	}()
	def, err = d.actions.Lookup(req.Type)
	if err != nil {
		return def, nil, session.Unknown, err
	}
	return def, def.Validate(req.Payload), session.Rejected, nil
}

// resolve returns the entity type reference of def, nil when it has none.
func (d *Dispatcher) resolve(def action.Definition) contract.EntityType {
	if def.EntityType == "" || d.entities == nil {
		return nil
	}
	entity, ok := d.entities.Resolve(def.EntityType)
	if !ok {
		d.log.Debug("Entity type not resolved", "type", def.Type, "entity_type", def.EntityType)
		return nil
	}
	return entity
}

// arm starts the preemption timer of slot.
func (d *Dispatcher) arm(slot *inFlight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight != slot {
		return
	}
	slot.timer = time.AfterFunc(d.timeout, func() { d.preempt(slot) })
}

func (d *Dispatcher) execute(slot *inFlight, def action.Definition, entity contract.EntityType) {
	req := slot.request
	ctx, span := d.tracer.Start(d.baseCtx, "action "+req.Type, trace.WithAttributes(
		attribute.String("action.type", req.Type),
		attribute.String("session.id", req.Sender.ID.String()),
		attribute.Int64("dispatcher.generation", int64(slot.generation)),
	))
	start := time.Now()
	err := d.invoke(ctx, def, req, entity)
	d.metrics.HandlerDuration(req.Type, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	outcome := session.Succeeded
	var notify func(*session.Sender) error
	if err != nil {
		outcome = session.Failed
		notify = func(s *session.Sender) error { return s.SendError(req.Payload, err) }
	}

	next, ok := d.finish(slot, outcome, notify)
	if !ok {
		d.metrics.StaleCompletion(req.Type)
		d.log.Info("Preempted action completed, outcome dropped", "type", req.Type, "error", err)
		return
	}
	if err != nil {
		d.log.Info("Caught error from action", "type", req.Type, "session_id", req.Sender.ID, "error", err)
	} else {
		d.log.Debug("Action resolved", "type", req.Type, "duration", time.Since(start))
	}
	d.drive(next)
}

func (d *Dispatcher) invoke(ctx context.Context, def action.Definition, req action.Request,
	entity contract.EntityType) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Action handler panicked", "type", req.Type, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %s: %v", errors.ErrHandlerPanic, req.Type, r)
		}
	}()
	return def.Handler(ctx, action.Call{
		Payload: req.Payload,
		Sender:  req.Sender,
		Hub:     d,
		Entity:  entity,
	})
}

// preempt retires a slot whose handler did not resolve in time.
// The handler keeps running, its completion will find a newer generation.
func (d *Dispatcher) preempt(slot *inFlight) {
	next, ok := d.finish(slot, session.TimedOut, nil)
	if !ok {
		return
	}
	d.log.Warn("Action took too long to resolve, firing next queued action",
		"type", slot.request.Type, "timeout", d.timeout, "next", next != nil)
	d.drive(next)
}

// finish retires slot, notifies its sender and returns the next slot to drive.
// ok is false when slot is not the in-flight action anymore: nothing is sent.
// The sender is notified before the next action gets a chance to run.
func (d *Dispatcher) finish(slot *inFlight, outcome session.Outcome,
	notify func(*session.Sender) error) (next *inFlight, ok bool) {
	d.mu.Lock()
	if d.inFlight == nil || d.inFlight.generation != slot.generation {
		d.mu.Unlock()
		return nil, false
	}
	next = d.advanceLocked()
	backlog := len(d.backlog)
	d.mu.Unlock()

	sender := slot.request.Sender
	if notify != nil {
		if err := notify(sender); err != nil {
			d.log.Debug("Sender notification dropped", "type", slot.request.Type, "session_id", sender.ID, "error", err)
		}
	}
	sender.Settle(outcome)
	d.metrics.Retired(d.label(slot.request.Type), outcome)
	d.metrics.Backlog(backlog)
	return next, true
}

// advanceLocked clears the in-flight slot and fires the backlog head, if any.
func (d *Dispatcher) advanceLocked() *inFlight {
	if d.inFlight.timer != nil {
		d.inFlight.timer.Stop()
	}
	d.inFlight = nil
	if len(d.backlog) == 0 {
		d.backlog = nil
		return nil
	}
	req := d.backlog[0]
	d.backlog[0] = action.Request{}
	d.backlog = d.backlog[1:]
	return d.fireLocked(req)
}

// label keeps client-chosen action types out of metric labels.
func (d *Dispatcher) label(actionType string) string {
	if _, err := d.actions.Lookup(actionType); err != nil {
		return unknownLabel
	}
	return actionType
}

func (d *Dispatcher) Stats() contract.DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := contract.DispatcherStats{
		State:      contract.StateIdle,
		Backlog:    len(d.backlog),
		Generation: d.generation,
	}
	if d.inFlight != nil {
		stats.State = contract.StateInFlight
		stats.InFlightType = d.inFlight.request.Type
		stats.InFlightAge = time.Since(d.inFlight.firedAt)
	}
	return stats
}

func (d *Dispatcher) Publish(topic domain.Topic, evt event.Event) int {
	return d.registry.Publish(topic, evt)
}

func (d *Dispatcher) Subscribe(senderID uuid.UUID, topic domain.Topic) error {
	return d.registry.Subscribe(senderID, topic)
}

func (d *Dispatcher) Unsubscribe(senderID uuid.UUID, topic domain.Topic) {
	d.registry.Unsubscribe(senderID, topic)
}
