package api

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"live-hub/contract"
	"live-hub/domain"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"live-hub/errors"
	"live-hub/internal/jsoncodec"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// bindAction turns one HTTP call into exactly one submission.
func (h *handlers) bindAction(def action.Definition) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := requestPayload(c)
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.JSON(status, event.ErrorMessage{
				Error: errors.Body(fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err)),
			})
			return
		}

		responder := NewResponder()
		sender := session.NewSender(h.senderID(c), "http "+c.ClientIP(), responder)
		h.deps.Dispatcher.Submit(sender, def.Type, payload)

		outcome, ok := responder.Wait(c.Request.Context(), h.deps.ResponseTimeout)
		status, body := responder.Response(def.Type, outcome, ok)
		if body == nil {
			c.Status(status)
			return
		}
		c.JSON(status, body)
	}
}

// senderID reuses the caller's realtime session when the header names a live one,
// so subscriptions made by the handler land on that session.
func (h *handlers) senderID(c *gin.Context) uuid.UUID {
	if raw := c.GetHeader(SessionHeader); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			if _, live := h.deps.Registry.Session(id); live {
				return id
			}
		}
	}
	return uuid.New()
}

// requestPayload merges query parameters, the JSON body and path parameters,
// later sources winning.
func requestPayload(c *gin.Context) (json.RawMessage, error) {
	fields := make(map[string]any)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	if c.Request.Body != nil {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize))
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(body)) > 0 {
			var object map[string]any
			if err = jsoncodec.Unmarshal(body, &object); err != nil {
				return nil, fmt.Errorf("body must be a JSON object: %w", err)
			}
			maps.Copy(fields, object)
		}
	}
	for _, param := range c.Params {
		fields[param.Key] = param.Value
	}
	return jsoncodec.Marshal(fields)
}

func (h *handlers) listModels(c *gin.Context) {
	byType := h.deps.Actions.ByEntityType()
	var names []string
	if h.deps.Entities != nil {
		names = h.deps.Entities.Names()
	}
	names = lo.Uniq(append(names, lo.Keys(byType)...))
	models := lo.Map(names, func(name string, _ int) modelView {
		return modelView{Name: name, Actions: lo.Ternary(byType[name] == nil, []string{}, byType[name])}
	})
	slices.SortFunc(models, func(a, b modelView) int { return strings.Compare(a.Name, b.Name) })
	c.JSON(http.StatusOK, models)
}

func (h *handlers) listActions(c *gin.Context) {
	c.JSON(http.StatusOK, lo.Map(h.deps.Actions.List(), func(def action.Definition, _ int) actionView {
		return toActionView(def)
	}))
}

type statusView struct {
	Dispatcher contract.DispatcherStats `json:"dispatcher"`
	Sessions   int                      `json:"sessions"`
	Actions    int                      `json:"actions"`
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusView{
		Dispatcher: h.deps.Dispatcher.Stats(),
		Sessions:   h.deps.Registry.Count(),
		Actions:    h.deps.Actions.Count(),
	})
}

type eventsPage struct {
	Events []event.TopicEvent `json:"events"`
	Cursor *string            `json:"cursor"`
}

func (h *handlers) topicEvents(c *gin.Context) {
	topic := domain.NewTopic(c.Param("entityType"), c.Param("id"))
	var cursor *string
	if raw, ok := c.GetQuery("cursor"); ok && raw != "" {
		cursor = &raw
	}
	events, next, err := h.deps.Journal.GetEvents(topic, cursor)
	if err != nil {
		h.deps.Log.Error("Reading journal failed", "topic", topic, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, eventsPage{Events: events, Cursor: next})
}
