// Package domain contains the core concepts shared by the dispatch pipeline.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"fmt"
	"strings"
)

const topicSeparator = "#"

// Topic is a fan-out channel keyed by entity type and entity id.
// It has no lifecycle of its own: it exists as long as one session subscribes to it.
type Topic string

func NewTopic(entityType, entityID string) Topic {
	return Topic(fmt.Sprintf("%s%s%s", entityType, topicSeparator, entityID))
}

// Split returns the entity type and id carried by the topic key.
func (t Topic) Split() (entityType, entityID string, ok bool) {
	entityType, entityID, ok = strings.Cut(string(t), topicSeparator)
	if !ok || entityType == "" || entityID == "" {
		return "", "", false
	}
	return entityType, entityID, true
}

func (t Topic) String() string { return string(t) }
