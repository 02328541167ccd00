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
	"live-hub/mocks"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// recorder is a connection keeping every frame and outcome it receives.
type recorder struct {
	mu      sync.Mutex
	frames  []event.Frame
	settled chan session.Outcome
}

func newRecorder() *recorder {
	return &recorder{settled: make(chan session.Outcome, 2048)}
}

func (r *recorder) Send(channel event.Channel, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, event.Frame{Channel: channel, Data: body})
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) Settle(outcome session.Outcome) {
	r.settled <- outcome
}

func (r *recorder) Frames() []event.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Frame(nil), r.frames...)
}

func (r *recorder) waitOutcome(t *testing.T) session.Outcome {
	t.Helper()
	select {
	case outcome := <-r.settled:
		return outcome
	case <-time.After(2 * time.Second):
		require.FailNow(t, "action was never retired")
	}
	return 0
}

func newTestDispatcher(t *testing.T, timeout time.Duration, defs ...action.Definition) (*Dispatcher, *Registry) {
	log := slog.Default()
	actions := NewActionRegistry(log)
	for _, def := range defs {
		require.NoError(t, actions.Register(def))
	}
	registry := NewRegistry(log, nil, nil)
	return NewDispatcher(log, actions, registry, nil, WithTimeout(timeout)), registry
}

func noop(context.Context, action.Call) error { return nil }

type widget struct {
	Name string `json:"name" validate:"required"`
}

func TestDispatcher_Submit_Runs_Handler_And_Returns_Idle(t *testing.T) {
	req := require.New(t)
	ran := make(chan json.RawMessage, 1)
	dispatcher, registry := newTestDispatcher(t, time.Second, action.Definition{
		Type: "PING",
		Handler: func(_ context.Context, call action.Call) error {
			ran <- call.Payload
			return nil
		},
	})
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	// When an action is submitted to an idle dispatcher
	dispatcher.Submit(sender, "PING", json.RawMessage(`{"n":1}`))

	// Then its handler runs with the payload
	req.JSONEq(`{"n":1}`, string(<-ran))
	req.Equal(session.Succeeded, rec.waitOutcome(t))

	// And success sends nothing back
	req.Empty(rec.Frames())
	req.Eventually(func() bool {
		return dispatcher.Stats().State == contract.StateIdle
	}, time.Second, 5*time.Millisecond)
	req.Equal(uint64(1), dispatcher.Stats().Generation)
}

func TestDispatcher_No_Handler_Starts_While_Another_Is_In_Flight(t *testing.T) {
	req := require.New(t)
	release := make(chan struct{})
	started := make(chan string, 2)
	dispatcher, registry := newTestDispatcher(t, 5*time.Second,
		action.Definition{Type: "SLOW", Handler: func(context.Context, action.Call) error {
			started <- "SLOW"
			<-release
			return nil
		}},
		action.Definition{Type: "FAST", Handler: func(context.Context, action.Call) error {
			started <- "FAST"
			return nil
		}},
	)
	sender := registry.AddSession(newRecorder(), "test")

	// Given a slow action in flight
	dispatcher.Submit(sender, "SLOW", nil)
	req.Equal("SLOW", <-started)

	// When another action is submitted
	dispatcher.Submit(sender, "FAST", nil)

	// Then it waits in the backlog
	select {
	case name := <-started:
		req.Failf("handler started too early", "%s started while SLOW was in flight", name)
	case <-time.After(100 * time.Millisecond):
	}
	stats := dispatcher.Stats()
	req.Equal(contract.StateInFlight, stats.State)
	req.Equal("SLOW", stats.InFlightType)
	req.Equal(1, stats.Backlog)

	// When the slow action resolves
	close(release)

	// Then the queued one runs
	select {
	case name := <-started:
		req.Equal("FAST", name)
	case <-time.After(time.Second):
		req.Fail("queued action never started")
	}
}

func TestDispatcher_Backlog_Is_Drained_In_Arrival_Order(t *testing.T) {
	req := require.New(t)
	release := make(chan struct{})
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	type step struct {
		N int `json:"n"`
	}
	dispatcher, registry := newTestDispatcher(t, 5*time.Second,
		action.Definition{Type: "BLOCK", Handler: func(context.Context, action.Call) error {
			<-release
			return nil
		}},
		action.Definition{Type: "STEP", Schema: action.StructSchema[step](), Handler: func(_ context.Context, call action.Call) error {
			s, err := action.Decode[step](call.Payload)
			if err != nil {
				return err
			}
			mu.Lock()
			order = append(order, s.N)
			if len(order) == 10 {
				close(done)
			}
			mu.Unlock()
			return nil
		}},
	)
	sender := registry.AddSession(newRecorder(), "test")

	// Given a blocked in-flight action
	dispatcher.Submit(sender, "BLOCK", nil)

	// When ten actions are queued behind it
	for i := 0; i < 10; i++ {
		dispatcher.Submit(sender, "STEP", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	req.Equal(10, dispatcher.Stats().Backlog)
	close(release)

	// Then they run in submission order
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		req.Fail("backlog was not drained")
	}
	mu.Lock()
	defer mu.Unlock()
	req.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestDispatcher_Preempts_Slow_Handler_After_Timeout(t *testing.T) {
	req := require.New(t)
	timeout := 100 * time.Millisecond
	startedY := make(chan time.Time, 1)
	finishedX := make(chan struct{})
	releaseY := make(chan struct{})
	dispatcher, registry := newTestDispatcher(t, timeout,
		action.Definition{Type: "X", Handler: func(context.Context, action.Call) error {
			time.Sleep(3 * timeout)
			close(finishedX)
			return fmt.Errorf("too late")
		}},
		action.Definition{Type: "Y", Handler: func(context.Context, action.Call) error {
			startedY <- time.Now()
			<-releaseY
			return nil
		}},
	)
	recX := newRecorder()
	recY := newRecorder()
	senderX := registry.AddSession(recX, "test")
	senderY := registry.AddSession(recY, "test")

	// When X never resolves in time and Y is submitted right after
	start := time.Now()
	dispatcher.Submit(senderX, "X", nil)
	dispatcher.Submit(senderY, "Y", nil)

	// Then Y starts once the timeout fired, not after X completion
	var yStart time.Time
	select {
	case yStart = <-startedY:
	case <-time.After(time.Second):
		req.FailNow("Y never started")
	}
	elapsed := yStart.Sub(start)
	req.GreaterOrEqual(elapsed, timeout)
	req.Less(elapsed, 3*timeout)
	req.Equal(session.TimedOut, recX.waitOutcome(t))

	// And X completing late neither retires Y nor notifies its sender
	<-finishedX
	time.Sleep(20 * time.Millisecond)
	stats := dispatcher.Stats()
	req.Equal(contract.StateInFlight, stats.State)
	req.Equal("Y", stats.InFlightType)
	req.Empty(recX.Frames())
	req.Len(recX.settled, 0)

	close(releaseY)
	req.Equal(session.Succeeded, recY.waitOutcome(t))
}

func TestDispatcher_Invalid_Payload_Never_Reaches_Handler(t *testing.T) {
	req := require.New(t)
	calls := 0
	dispatcher, registry := newTestDispatcher(t, time.Second, action.Definition{
		Type:       "CREATE_WIDGET",
		EntityType: "Widget",
		Schema:     action.StructSchema[widget](),
		Handler: func(context.Context, action.Call) error {
			calls++
			return nil
		},
	})
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	// When the name is not a string
	dispatcher.Submit(sender, "CREATE_WIDGET", json.RawMessage(`{"name":42}`))

	// Then the sender gets exactly one invalid schema event about name
	req.Equal(session.Rejected, rec.waitOutcome(t))
	frames := rec.Frames()
	req.Len(frames, 1)
	req.Equal(event.ChannelEvent, frames[0].Channel)
	evt, ok := frames[0].Data.(event.Event)
	req.True(ok)
	req.Equal(event.TypeInvalidSchema, evt.Type)
	payload, ok := evt.Payload.(event.InvalidSchemaPayload)
	req.True(ok)
	req.Equal("CREATE_WIDGET", payload.ActionType)
	req.Len(payload.Errors, 1)
	req.Equal("name", payload.Errors[0].Field)

	// And the handler never ran
	req.Zero(calls)
	req.Equal(contract.StateIdle, dispatcher.Stats().State)
}

func TestDispatcher_Handler_Failure_Is_Reported_On_Error_Channel(t *testing.T) {
	req := require.New(t)
	dispatcher, registry := newTestDispatcher(t, time.Second, action.Definition{
		Type:    "Z",
		Handler: func(context.Context, action.Call) error { return fmt.Errorf("DB_DOWN") },
	})
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	// When the handler rejects
	dispatcher.Submit(sender, "Z", json.RawMessage(`{"id":"42"}`))

	// Then the sender receives the action payload and the error
	req.Equal(session.Failed, rec.waitOutcome(t))
	frames := rec.Frames()
	req.Len(frames, 1)
	req.Equal(event.ChannelError, frames[0].Channel)
	msg, ok := frames[0].Data.(event.ErrorMessage)
	req.True(ok)
	req.JSONEq(`{"id":"42"}`, string(msg.ActionPayload))
	req.Equal("DB_DOWN", msg.Error)

	// And the dispatcher is idle again
	req.Eventually(func() bool {
		return dispatcher.Stats().State == contract.StateIdle
	}, 100*time.Millisecond, time.Millisecond)
}

func TestDispatcher_Unknown_Action_Type_Is_Reported_And_Retired(t *testing.T) {
	req := require.New(t)
	ran := make(chan struct{}, 1)
	release := make(chan struct{})
	dispatcher, registry := newTestDispatcher(t, time.Second,
		action.Definition{Type: "BLOCK", Handler: func(context.Context, action.Call) error {
			<-release
			return nil
		}},
		action.Definition{Type: "PING", Handler: func(context.Context, action.Call) error {
			ran <- struct{}{}
			return nil
		}},
	)
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	// Given an unknown action queued between two known ones
	dispatcher.Submit(sender, "BLOCK", nil)
	dispatcher.Submit(sender, "NOPE", json.RawMessage(`{}`))
	dispatcher.Submit(sender, "PING", nil)
	close(release)

	// Then the unknown one is reported and the next one still runs
	req.Equal(session.Succeeded, rec.waitOutcome(t))
	req.Equal(session.Unknown, rec.waitOutcome(t))
	<-ran
	req.Equal(session.Succeeded, rec.waitOutcome(t))

	frames := rec.Frames()
	req.Len(frames, 1)
	msg := frames[0].Data.(event.ErrorMessage)
	body, ok := msg.Error.(*errors.ActionError)
	req.True(ok)
	req.Equal(errors.CodeUnknownActionType, body.Code)
}

func TestDispatcher_Handler_Panic_Fails_Only_That_Action(t *testing.T) {
	req := require.New(t)
	dispatcher, registry := newTestDispatcher(t, time.Second,
		action.Definition{Type: "BOOM", Handler: func(context.Context, action.Call) error { panic("boom") }},
		action.Definition{Type: "PING", Handler: noop},
	)
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	dispatcher.Submit(sender, "BOOM", nil)
	req.Equal(session.Failed, rec.waitOutcome(t))
	dispatcher.Submit(sender, "PING", nil)
	req.Equal(session.Succeeded, rec.waitOutcome(t))

	msg := rec.Frames()[0].Data.(event.ErrorMessage)
	body := msg.Error.(*errors.ActionError)
	req.Equal(errors.CodeHandlerPanic, body.Code)
}

func TestDispatcher_Long_Run_Of_Rejected_Actions_Is_Drained(t *testing.T) {
	req := require.New(t)
	release := make(chan struct{})
	dispatcher, registry := newTestDispatcher(t, 5*time.Second,
		action.Definition{Type: "BLOCK", Handler: func(context.Context, action.Call) error {
			<-release
			return nil
		}},
		action.Definition{Type: "CREATE_WIDGET", Schema: action.StructSchema[widget](), Handler: noop},
	)
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	dispatcher.Submit(sender, "BLOCK", nil)
	for i := 0; i < 1000; i++ {
		dispatcher.Submit(sender, "CREATE_WIDGET", json.RawMessage(`{}`))
	}
	close(release)

	req.Equal(session.Succeeded, rec.waitOutcome(t))
	for i := 0; i < 1000; i++ {
		req.Equal(session.Rejected, rec.waitOutcome(t))
	}
	req.Len(rec.Frames(), 1000)
	req.Equal(contract.StateIdle, dispatcher.Stats().State)
}

func TestDispatcher_Submit_From_Handler_Is_Queued(t *testing.T) {
	req := require.New(t)
	order := make(chan string, 2)
	dispatcher, registry := newTestDispatcher(t, time.Second,
		action.Definition{Type: "OUTER", Handler: func(_ context.Context, call action.Call) error {
			call.Hub.Submit(call.Sender, "INNER", nil)
			order <- "OUTER"
			return nil
		}},
		action.Definition{Type: "INNER", Handler: func(context.Context, action.Call) error {
			order <- "INNER"
			return nil
		}},
	)
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	dispatcher.Submit(sender, "OUTER", nil)

	req.Equal(session.Succeeded, rec.waitOutcome(t))
	req.Equal(session.Succeeded, rec.waitOutcome(t))
	req.Equal("OUTER", <-order)
	req.Equal("INNER", <-order)
}

func TestDispatcher_Resolves_Entity_Type_For_Handler(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	log := slog.Default()

	entityMock := mocks.NewMockEntityType(ctrl)
	catalogMock := mocks.NewMockIEntityCatalog(ctrl)
	catalogMock.EXPECT().Resolve("Widget").Return(entityMock, true).Times(1)

	received := make(chan contract.EntityType, 1)
	actions := NewActionRegistry(log)
	req.NoError(actions.Register(action.Definition{
		Type:       "GET_WIDGET",
		EntityType: "Widget",
		Handler: func(_ context.Context, call action.Call) error {
			received <- call.Entity
			return nil
		},
	}))
	registry := NewRegistry(log, nil, nil)
	dispatcher := NewDispatcher(log, actions, registry, catalogMock)
	rec := newRecorder()

	dispatcher.Submit(registry.AddSession(rec, "test"), "GET_WIDGET", nil)

	req.Equal(session.Succeeded, rec.waitOutcome(t))
	req.Equal(contract.EntityType(entityMock), <-received)
}

func TestDispatcher_Hub_Publishes_To_Topic_Subscribers(t *testing.T) {
	req := require.New(t)
	topic := domain.NewTopic("Widget", "42")
	dispatcher, registry := newTestDispatcher(t, time.Second, action.Definition{
		Type: "TOUCH",
		Handler: func(_ context.Context, call action.Call) error {
			if err := call.Hub.Subscribe(call.Sender.ID, topic); err != nil {
				return err
			}
			call.Hub.Publish(topic, event.New("TOUCHED", nil))
			return nil
		},
	})
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	dispatcher.Submit(sender, "TOUCH", nil)

	req.Equal(session.Succeeded, rec.waitOutcome(t))
	req.Equal([]domain.Topic{topic}, registry.Subscriptions(sender.ID))
	frames := rec.Frames()
	req.Len(frames, 1)
	req.Equal("TOUCHED", frames[0].Data.(event.Event).Type)
}

func TestDispatcher_Metrics_Label_Unknown_Types(t *testing.T) {
	req := require.New(t)
	log := slog.Default()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	actions := NewActionRegistry(log)
	req.NoError(actions.Register(action.Definition{Type: "PING", Handler: noop}))
	registry := NewRegistry(log, metrics, nil)
	dispatcher := NewDispatcher(log, actions, registry, nil, WithMetrics(metrics))
	rec := newRecorder()
	sender := registry.AddSession(rec, "test")

	dispatcher.Submit(sender, "PING", nil)
	req.Equal(session.Succeeded, rec.waitOutcome(t))
	dispatcher.Submit(sender, "random-garbage", nil)
	req.Equal(session.Unknown, rec.waitOutcome(t))

	families, err := reg.Gather()
	req.NoError(err)
	labels := map[string]bool{}
	for _, family := range families {
		if family.GetName() != "livehub_dispatcher_actions_submitted_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, l := range m.GetLabel() {
				labels[l.GetValue()] = true
			}
		}
	}
	req.True(labels["PING"])
	req.True(labels[unknownLabel])
	req.False(labels["random-garbage"])
}
