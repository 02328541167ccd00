package api

import (
	"context"
	"encoding/json"
	"live-hub/actions"
	"live-hub/domain"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"live-hub/errors"
	"live-hub/repositories"
	"live-hub/runtime"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type hub struct {
	router   *gin.Engine
	registry *runtime.Registry
	journal  repositories.JournalRepository
}

func newTestHub(t *testing.T, responseTimeout time.Duration, extra ...action.Definition) hub {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.Default()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	actionRegistry := runtime.NewActionRegistry(log)
	require.NoError(t, actions.Register(actionRegistry))
	for _, def := range extra {
		require.NoError(t, actionRegistry.Register(def))
	}

	registry := runtime.NewRegistry(log, nil, nil)
	catalog := repositories.NewEntityCatalog(db, log, actions.EntityWidget)
	journal := repositories.NewJournalRepository(db, log, nil)
	dispatcher := runtime.NewDispatcher(log, actionRegistry, registry, catalog)

	router, err := NewRouter(Deps{
		Log:             log,
		Actions:         actionRegistry,
		Dispatcher:      dispatcher,
		Registry:        registry,
		Entities:        catalog,
		Journal:         journal,
		Gatherer:        prometheus.NewRegistry(),
		ResponseTimeout: responseTimeout,
	})
	require.NoError(t, err)
	return hub{router: router, registry: registry, journal: journal}
}

func (h hub) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, request)
	return w
}

type documentEvent struct {
	Type    string          `json:"type"`
	Payload domain.Document `json:"payload"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRouter_Widget_Lifecycle(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	// When a widget is created
	w := h.do(http.MethodPost, "/api/widgets", `{"name":"gear","size":3}`)

	// Then the creation event is the response
	req.Equal(http.StatusOK, w.Code, w.Body.String())
	created := decode[documentEvent](t, w)
	req.Equal(actions.TypeWidgetCreated, created.Type)
	req.NotEmpty(created.Payload.ID)
	req.JSONEq(`{"name":"gear","size":3}`, string(created.Payload.Data))
	path := "/api/widgets/" + created.Payload.ID

	w = h.do(http.MethodGet, path, "")
	req.Equal(http.StatusOK, w.Code)
	req.Equal(actions.TypeWidget, decode[documentEvent](t, w).Type)

	w = h.do(http.MethodPut, path, `{"name":"bolt","color":"blue"}`)
	req.Equal(http.StatusOK, w.Code, w.Body.String())
	updated := decode[documentEvent](t, w)
	req.Equal(actions.TypeWidgetUpdated, updated.Type)
	req.JSONEq(`{"name":"bolt","color":"blue"}`, string(updated.Payload.Data))

	w = h.do(http.MethodGet, "/api/widgets", "")
	req.Equal(http.StatusOK, w.Code)
	listed := decode[struct {
		Type    string            `json:"type"`
		Payload []domain.Document `json:"payload"`
	}](t, w)
	req.Len(listed.Payload, 1)

	w = h.do(http.MethodDelete, path, "")
	req.Equal(http.StatusOK, w.Code)
	req.Equal(actions.TypeWidgetDeleted, decode[documentEvent](t, w).Type)

	// Then a deleted widget is not found
	w = h.do(http.MethodGet, path, "")
	req.Equal(http.StatusNotFound, w.Code)
	notFound := decode[struct {
		Error errors.ActionError `json:"error"`
	}](t, w)
	req.Equal(errors.CodeEntityNotFound, notFound.Error.Code)
}

func TestRouter_Invalid_Payload_Is_Bad_Request(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	w := h.do(http.MethodPost, "/api/widgets", `{"color":"pink"}`)

	req.Equal(http.StatusBadRequest, w.Code)
	rejected := decode[struct {
		Type    string                     `json:"type"`
		Payload event.InvalidSchemaPayload `json:"payload"`
	}](t, w)
	req.Equal(event.TypeInvalidSchema, rejected.Type)
	req.Equal(actions.TypeCreateWidget, rejected.Payload.ActionType)
	req.Len(rejected.Payload.Errors, 2)
}

func TestRouter_Body_Must_Be_An_Object(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	w := h.do(http.MethodPost, "/api/widgets", `[1,2]`)

	req.Equal(http.StatusBadRequest, w.Code)
	malformed := decode[struct {
		Error errors.ActionError `json:"error"`
	}](t, w)
	req.Equal(errors.CodeMalformedMessage, malformed.Error.Code)
}

func TestRouter_Oversized_Body_Is_Rejected(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	// Given a body past the realtime frame limit
	body := `{"name":"` + strings.Repeat("a", MaxBodySize) + `"}`

	// When it is posted
	w := h.do(http.MethodPost, "/api/widgets", body)

	// Then it never reaches the dispatcher
	req.Equal(http.StatusRequestEntityTooLarge, w.Code)
	malformed := decode[struct {
		Error errors.ActionError `json:"error"`
	}](t, w)
	req.Equal(errors.CodeMalformedMessage, malformed.Error.Code)
}

func TestRouter_Path_Params_Win_Over_Body(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	w := h.do(http.MethodPut, "/api/widgets/missing", `{"id":"other","name":"bolt"}`)

	req.Equal(http.StatusNotFound, w.Code)
	req.Contains(w.Body.String(), "Widget missing")
}

func TestRouter_Slow_Action_Is_Accepted(t *testing.T) {
	req := require.New(t)
	release := make(chan struct{})
	defer close(release)
	h := newTestHub(t, 50*time.Millisecond, action.Definition{
		Type: "SLOW",
		Handler: func(ctx context.Context, _ action.Call) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
		Endpoint: &action.Endpoint{Method: http.MethodPost, Path: "/slow"},
	})

	w := h.do(http.MethodPost, "/api/slow", "")

	req.Equal(http.StatusAccepted, w.Code)
	req.JSONEq(`{"actionType":"SLOW","status":"pending"}`, w.Body.String())
}

func TestRouter_Handler_Failure_Is_Internal_Error(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second, action.Definition{
		Type:     "BROKEN",
		Handler:  func(context.Context, action.Call) error { return errors.NewActionError("DB_DOWN", "") },
		Endpoint: &action.Endpoint{Method: http.MethodPost, Path: "/broken"},
	})

	w := h.do(http.MethodPost, "/api/broken", `{"a":1}`)

	req.Equal(http.StatusInternalServerError, w.Code)
	req.JSONEq(`{"actionPayload":{"a":1},"error":"DB_DOWN"}`, w.Body.String())
}

func TestRouter_Silent_Action_Is_No_Content(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second, action.Definition{
		Type:     "SILENT",
		Handler:  func(context.Context, action.Call) error { return nil },
		Endpoint: &action.Endpoint{Method: http.MethodPost, Path: "/silent"},
	})

	w := h.do(http.MethodPost, "/api/silent", "")

	req.Equal(http.StatusNoContent, w.Code)
	req.Empty(w.Body.Bytes())
}

type socket struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *socket) Send(_ event.Channel, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt, ok := body.(event.Event); ok {
		s.events = append(s.events, evt)
	}
	return nil
}

func (s *socket) Close() error { return nil }

func (s *socket) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, evt := range s.events {
		types = append(types, evt.Type)
	}
	return types
}

func TestRouter_Session_Header_Routes_Events_To_Realtime_Session(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	// Given a live realtime session
	ws := &socket{}
	sender := h.registry.AddSession(ws, "ws 127.0.0.1")

	// When it creates a widget over HTTP naming its session
	w := h.do(http.MethodPost, "/api/widgets", `{"name":"gear"}`, SessionHeader, sender.ID.String())

	// Then the event reaches the socket and the topic keeps the session
	req.Equal(http.StatusNoContent, w.Code)
	req.Equal([]string{actions.TypeWidgetCreated}, ws.Types())
	req.Len(h.registry.Subscriptions(sender.ID), 1)

	// An unknown session id falls back to a one-off caller
	w = h.do(http.MethodPost, "/api/widgets", `{"name":"bolt"}`, SessionHeader, "not-a-uuid")
	req.Equal(http.StatusOK, w.Code)
}

func TestRouter_Introspection(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)

	w := h.do(http.MethodGet, "/api/models", "")
	req.Equal(http.StatusOK, w.Code)
	models := decode[[]modelView](t, w)
	req.Len(models, 1)
	req.Equal(actions.EntityWidget, models[0].Name)
	req.Contains(models[0].Actions, actions.TypeCreateWidget)

	w = h.do(http.MethodGet, "/api/actions", "")
	req.Equal(http.StatusOK, w.Code)
	views := decode[[]actionView](t, w)
	req.Len(views, len(actions.Definitions()))
	for _, view := range views {
		if view.Type == actions.TypeCreateWidget {
			req.Equal(&endpointView{Method: http.MethodPost, Path: "/api/widgets"}, view.Endpoint)
		}
		if view.Type == actions.TypePing {
			req.Nil(view.Endpoint)
		}
	}

	w = h.do(http.MethodGet, "/api/status", "")
	req.Equal(http.StatusOK, w.Code)
	status := decode[statusView](t, w)
	req.Equal("idle", string(status.Dispatcher.State))
	req.Equal(len(actions.Definitions()), status.Actions)

	req.Equal(http.StatusOK, h.do(http.MethodGet, "/health", "").Code)
	req.Equal(http.StatusOK, h.do(http.MethodGet, "/metrics", "").Code)
}

func TestRouter_Topic_Events_Page(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, time.Second)
	topic := domain.NewTopic(actions.EntityWidget, "42")
	at := time.Now().UTC()

	// Given two journaled events
	req.NoError(h.journal.Append(event.TopicEvent{Topic: topic, Event: event.New("WIDGET_CREATED", nil), PublishedAt: at}))
	req.NoError(h.journal.Append(event.TopicEvent{Topic: topic, Event: event.New("WIDGET_UPDATED", nil), PublishedAt: at.Add(time.Second)}))

	// When the topic is read
	w := h.do(http.MethodGet, "/api/topics/Widget/42/events", "")

	// Then the newest comes first
	req.Equal(http.StatusOK, w.Code)
	page := decode[struct {
		Events []struct {
			Event event.Event `json:"event"`
		} `json:"events"`
		Cursor *string `json:"cursor"`
	}](t, w)
	req.Len(page.Events, 2)
	req.Equal("WIDGET_UPDATED", page.Events[0].Event.Type)
	req.NotNil(page.Cursor)
}

func TestNewRouter_Rejects_Two_Actions_On_One_Route(t *testing.T) {
	req := require.New(t)
	gin.SetMode(gin.TestMode)
	log := slog.Default()
	actionRegistry := runtime.NewActionRegistry(log)
	for _, actionType := range []string{"A", "B"} {
		req.NoError(actionRegistry.Register(action.Definition{
			Type:     actionType,
			Handler:  func(context.Context, action.Call) error { return nil },
			Endpoint: &action.Endpoint{Method: http.MethodPost, Path: "/same"},
		}))
	}

	_, err := NewRouter(Deps{Log: log, Actions: actionRegistry})

	req.ErrorContains(err, "POST /api/same is bound to both A and B")
}

func TestCorsConfig(t *testing.T) {
	req := require.New(t)

	req.True(corsConfig(nil).AllowAllOrigins)
	req.True(corsConfig([]string{"*"}).AllowAllOrigins)
	restricted := corsConfig([]string{"https://app.example"})
	req.False(restricted.AllowAllOrigins)
	req.Equal([]string{"https://app.example"}, restricted.AllowOrigins)
	req.Contains(restricted.AllowHeaders, SessionHeader)
}

func TestResponder_Response(t *testing.T) {
	req := require.New(t)

	r := NewResponder()
	status, body := r.Response("X", session.TimedOut, false)
	req.Equal(http.StatusAccepted, status)
	req.Equal(pendingResponse{ActionType: "X", Status: "pending"}, body)

	r = NewResponder()
	req.NoError(r.Send(event.ChannelError, event.ErrorMessage{Error: errors.Body(errors.ErrUnknownActionType)}))
	r.Settle(session.Unknown)
	outcome, ok := r.Wait(context.Background(), time.Second)
	req.True(ok)
	status, _ = r.Response("X", outcome, ok)
	req.Equal(http.StatusNotFound, status)

	r = NewResponder()
	req.NoError(r.Send(event.ChannelEvent, event.New("A", nil)))
	req.NoError(r.Send(event.ChannelEvent, event.New("B", nil)))
	status, body = r.Response("X", session.Succeeded, true)
	req.Equal(http.StatusOK, status)
	req.Len(body, 2)

	req.ErrorIs(r.Send(event.ChannelEvent, "raw"), errors.ErrMalformedMessage)
}
