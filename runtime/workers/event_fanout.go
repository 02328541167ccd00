package workers

import (
	"context"
	"fmt"
	"live-hub/contract"
	"live-hub/domain/event"
	"log/slog"
	"sync"
	"time"
)

const DefaultSinkTimeout = 5 * time.Second

// EventFanout hands every published topic event to the permanent sinks
// (journal, broker bridge). Subscribers are served by the registry itself,
// the fan-out only sees what the registry forwarded.
//
// It is best-effort: no retry, a sink slower than sinkTimeout loses the event.
type EventFanout struct {
	log         *slog.Logger
	topicEvents <-chan event.TopicEvent
	sinks       []contract.EventSink
	sinkTimeout time.Duration
}

func NewEventFanout(log *slog.Logger, topicEvents <-chan event.TopicEvent, sinkTimeout time.Duration,
	sinks ...contract.EventSink) *EventFanout {
	if sinkTimeout <= 0 {
		sinkTimeout = DefaultSinkTimeout
	}
	return &EventFanout{log: log, topicEvents: topicEvents, sinkTimeout: sinkTimeout, sinks: sinks}
}

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-w.topicEvents:
			w.Fanout(ctx, evt)
		case <-ctx.Done():
			w.log.Debug("Context done, stopping topic event fan-out")
			return nil
		}
	}
}

// Fanout gives the event to every sink concurrently and waits for all of them.
func (w *EventFanout) Fanout(ctx context.Context, evt event.TopicEvent) {
	var wg sync.WaitGroup
	for _, sink := range w.sinks {
		wg.Add(1)
		go func(sink contract.EventSink) {
			defer wg.Done()
			sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
			defer cancel()
			if err := sink.Consume(sinkCtx, evt); err != nil {
				w.log.Warn("Sink failed to consume topic event",
					"sink", fmt.Sprintf("%T", sink), "topic", evt.Topic, "type", evt.Event.Type, "error", err)
			}
		}(sink)
	}
	wg.Wait()
}
