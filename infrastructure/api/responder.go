package api

import (
	"context"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"live-hub/errors"
	"net/http"
	"sync"
	"time"
)

var (
	_ session.Connection = (*Responder)(nil)
	_ session.Settler    = (*Responder)(nil)
)

// Responder is the connection of the synthetic sender behind an HTTP call.
// It collects what the dispatcher sends until the action is retired.
type Responder struct {
	mu      sync.Mutex
	events  []event.Event
	errs    []event.ErrorMessage
	settled chan session.Outcome
}

func NewResponder() *Responder {
	return &Responder{settled: make(chan session.Outcome, 1)}
}

func (r *Responder) Send(channel event.Channel, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch b := body.(type) {
	case event.Event:
		r.events = append(r.events, b)
	case event.ErrorMessage:
		r.errs = append(r.errs, b)
	default:
		return errors.ErrMalformedMessage
	}
	return nil
}

func (r *Responder) Close() error { return nil }

func (r *Responder) Settle(outcome session.Outcome) {
	select {
	case r.settled <- outcome:
	default:
	}
}

// Wait blocks until the action is retired, the caller goes away or timeout elapses.
// ok is false when no outcome arrived.
func (r *Responder) Wait(ctx context.Context, timeout time.Duration) (session.Outcome, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outcome := <-r.settled:
		return outcome, true
	case <-ctx.Done():
		return session.TimedOut, false
	case <-timer.C:
		return session.TimedOut, false
	}
}

// Response maps an outcome and what was collected to a status and a body.
// A nil body means no content.
func (r *Responder) Response(actionType string, outcome session.Outcome, ok bool) (int, any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !ok || outcome == session.TimedOut {
		return http.StatusAccepted, pendingResponse{ActionType: actionType, Status: "pending"}
	}
	switch outcome {
	case session.Rejected:
		return http.StatusBadRequest, r.lastEvent()
	case session.Unknown:
		return http.StatusNotFound, r.lastError()
	case session.Failed:
		msg := r.lastError()
		if body, isCoded := msg.Error.(*errors.ActionError); isCoded && body.Code == errors.CodeEntityNotFound {
			return http.StatusNotFound, msg
		}
		return http.StatusInternalServerError, msg
	}
	switch len(r.events) {
	case 0:
		return http.StatusNoContent, nil
	case 1:
		return http.StatusOK, r.events[0]
	}
	return http.StatusOK, append([]event.Event(nil), r.events...)
}

func (r *Responder) lastEvent() any {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (r *Responder) lastError() event.ErrorMessage {
	if len(r.errs) == 0 {
		return event.ErrorMessage{}
	}
	return r.errs[len(r.errs)-1]
}

type pendingResponse struct {
	ActionType string `json:"actionType"`
	Status     string `json:"status"`
}
