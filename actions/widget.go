package actions

import (
	"context"
	"fmt"
	"live-hub/contract"
	"live-hub/domain"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/errors"
	"live-hub/internal/jsoncodec"
	"net/http"
)

const EntityWidget = "Widget"

const (
	TypeCreateWidget  = "CREATE_WIDGET"
	TypeUpdateWidget  = "UPDATE_WIDGET"
	TypeDeleteWidget  = "DELETE_WIDGET"
	TypeGetWidget     = "GET_WIDGET"
	TypeListWidgets   = "LIST_WIDGETS"
	TypeWidgetCreated = "WIDGET_CREATED"
	TypeWidgetUpdated = "WIDGET_UPDATED"
	TypeWidgetDeleted = "WIDGET_DELETED"
	TypeWidget        = "WIDGET"
	TypeWidgets       = "WIDGETS"
)

// Widget is the data stored in a widget document.
type Widget struct {
	Name  string `json:"name" validate:"required,max=64"`
	Color string `json:"color,omitempty" validate:"omitempty,oneof=red green blue"`
	Size  int    `json:"size,omitempty" validate:"gte=0,lte=1000"`
}

type UpdateWidget struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required,max=64"`
	Color string `json:"color,omitempty" validate:"omitempty,oneof=red green blue"`
	Size  int    `json:"size,omitempty" validate:"gte=0,lte=1000"`
}

type WidgetRef struct {
	ID string `json:"id" validate:"required"`
}

func widgetDefinitions() []action.Definition {
	return []action.Definition{
		{
			Type:        TypeCreateWidget,
			EntityType:  EntityWidget,
			Description: "Creates a widget and subscribes the caller to it",
			Schema:      action.StructSchema[Widget](),
			Handler:     createWidget,
			Endpoint:    &action.Endpoint{Method: http.MethodPost, Path: "/widgets"},
		},
		{
			Type:        TypeUpdateWidget,
			EntityType:  EntityWidget,
			Description: "Replaces the data of a widget",
			Schema:      action.StructSchema[UpdateWidget](),
			Handler:     updateWidget,
			Endpoint:    &action.Endpoint{Method: http.MethodPut, Path: "/widgets/:id"},
		},
		{
			Type:        TypeDeleteWidget,
			EntityType:  EntityWidget,
			Description: "Deletes a widget",
			Schema:      action.StructSchema[WidgetRef](),
			Handler:     deleteWidget,
			Endpoint:    &action.Endpoint{Method: http.MethodDelete, Path: "/widgets/:id"},
		},
		{
			Type:        TypeGetWidget,
			EntityType:  EntityWidget,
			Description: "Reads one widget",
			Schema:      action.StructSchema[WidgetRef](),
			Handler:     getWidget,
			Endpoint:    &action.Endpoint{Method: http.MethodGet, Path: "/widgets/:id"},
		},
		{
			Type:        TypeListWidgets,
			EntityType:  EntityWidget,
			Description: "Lists every widget in creation order",
			Schema:      action.AnyPayload,
			Handler:     listWidgets,
			Endpoint:    &action.Endpoint{Method: http.MethodGet, Path: "/widgets"},
		},
	}
}

func widgets(call action.Call) (contract.EntityType, error) {
	if call.Entity == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrEntityTypeNotFound, EntityWidget)
	}
	return call.Entity, nil
}

func createWidget(ctx context.Context, call action.Call) error {
	store, err := widgets(call)
	if err != nil {
		return err
	}
	w, err := action.Decode[Widget](call.Payload)
	if err != nil {
		return err
	}
	data, err := jsoncodec.Marshal(w)
	if err != nil {
		return err
	}
	doc, err := store.Create(ctx, data)
	if err != nil {
		return err
	}
	return announce(call, doc.Topic(), event.New(TypeWidgetCreated, doc))
}

func updateWidget(ctx context.Context, call action.Call) error {
	store, err := widgets(call)
	if err != nil {
		return err
	}
	u, err := action.Decode[UpdateWidget](call.Payload)
	if err != nil {
		return err
	}
	data, err := jsoncodec.Marshal(Widget{Name: u.Name, Color: u.Color, Size: u.Size})
	if err != nil {
		return err
	}
	doc, err := store.Update(ctx, u.ID, data)
	if err != nil {
		return err
	}
	return announce(call, doc.Topic(), event.New(TypeWidgetUpdated, doc))
}

func deleteWidget(ctx context.Context, call action.Call) error {
	store, err := widgets(call)
	if err != nil {
		return err
	}
	ref, err := action.Decode[WidgetRef](call.Payload)
	if err != nil {
		return err
	}
	if err = store.Delete(ctx, ref.ID); err != nil {
		return err
	}
	topic := domain.NewTopic(EntityWidget, ref.ID)
	if err = announce(call, topic, event.New(TypeWidgetDeleted, ref)); err != nil {
		return err
	}
	call.Hub.Unsubscribe(call.Sender.ID, topic)
	return nil
}

func getWidget(ctx context.Context, call action.Call) error {
	store, err := widgets(call)
	if err != nil {
		return err
	}
	ref, err := action.Decode[WidgetRef](call.Payload)
	if err != nil {
		return err
	}
	doc, err := store.Get(ctx, ref.ID)
	if err != nil {
		return err
	}
	return call.Sender.SendEvent(event.New(TypeWidget, doc))
}

func listWidgets(ctx context.Context, call action.Call) error {
	store, err := widgets(call)
	if err != nil {
		return err
	}
	docs, err := store.List(ctx)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return call.Sender.SendEvent(event.New(TypeWidgets, docs))
}
