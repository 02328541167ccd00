package sink

import (
	"context"
	"live-hub/contract"
	"live-hub/domain/event"
	"log/slog"
)

// JournalSink keeps every published topic event in the journal.
type JournalSink struct {
	journal contract.IJournal
	log     *slog.Logger
}

func NewJournalSink(journal contract.IJournal, log *slog.Logger) JournalSink {
	return JournalSink{journal: journal, log: log}
}

func (s JournalSink) Consume(ctx context.Context, e event.TopicEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.journal.Append(e); err != nil {
		return err
	}
	s.log.Debug("Topic event journaled", "topic", e.Topic, "type", e.Event.Type)
	return nil
}
