package workers

import (
	"context"
	"live-hub/runtime"
	"log/slog"
	"reflect"
	"time"
)

type NamedChannel struct {
	Name    string
	Channel any
}

// ChannelCapacityWorker periodically samples the length and capacity of
// internal channels. Reading len and cap never blocks the owners.
type ChannelCapacityWorker struct {
	log            *slog.Logger
	channels       []NamedChannel
	metrics        *runtime.Metrics
	metricInterval time.Duration
}

func NewChannelCapacityWorker(log *slog.Logger, metrics *runtime.Metrics,
	metricInterval time.Duration, channels ...NamedChannel) *ChannelCapacityWorker {
	return &ChannelCapacityWorker{
		log:            log,
		channels:       channels,
		metrics:        metrics,
		metricInterval: metricInterval,
	}
}

func (w *ChannelCapacityWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping channel sampling")
			return nil
		case <-ticker.C:
			w.Sample()
		}
	}
}

// Sample records every channel once. It returns how many were sampled.
func (w *ChannelCapacityWorker) Sample() int {
	sampled := 0
	for _, nc := range w.channels {
		v := reflect.ValueOf(nc.Channel)
		if v.Kind() != reflect.Chan {
			w.log.Error("Provided object is not a channel", "name", nc.Name)
			continue
		}
		length, capacity := v.Len(), v.Cap()
		w.metrics.ChannelUsage(nc.Name, length, capacity)
		if capacity > 0 && length == capacity {
			w.log.Warn("Channel is full", "name", nc.Name, "capacity", capacity)
		}
		sampled++
	}
	return sampled
}
