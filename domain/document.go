package domain

import (
	"encoding/json"
	"time"
)

// Document is one stored entity.
// Data is kept as raw JSON, handlers own its shape.
type Document struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Topic is the fan-out channel of this document.
func (d Document) Topic() Topic {
	return NewTopic(d.Type, d.ID)
}
