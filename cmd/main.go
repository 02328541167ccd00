package main

import (
	"context"
	"errors"
	"fmt"
	"live-hub/actions"
	"live-hub/contract"
	"live-hub/domain/event"
	"live-hub/infrastructure/api"
	"live-hub/infrastructure/ws"
	"live-hub/internal"
	"live-hub/repositories"
	"live-hub/runtime"
	"live-hub/runtime/workers"
	"live-hub/sink"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until SIGINT/SIGTERM.
// Returning instead of exiting lets the deferred cleanups run.
func run() error {
	// 1. Configuration & Logger
	config, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := runtime.NewMetrics(promRegistry)

	// 4. Actions, sessions and the dispatcher
	actionRegistry := runtime.NewActionRegistry(log)
	if err = actions.Register(actionRegistry); err != nil {
		return err
	}
	topicEvents := make(chan event.TopicEvent, config.FanoutBufferSize)
	registry := runtime.NewRegistry(log, metrics, topicEvents)
	catalog := repositories.NewEntityCatalog(db, log, actions.EntityWidget)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := runtime.NewDispatcher(log, actionRegistry, registry, catalog,
		runtime.WithTimeout(config.ActionTimeout),
		runtime.WithMetrics(metrics),
		runtime.WithBaseContext(ctx))

	// 5. Permanent sinks
	journal := repositories.NewJournalRepository(db, log, config.LimitEvents)
	sinks := []contract.EventSink{sink.NewJournalSink(journal, log)}
	if config.MqttBroker != "" {
		mqttClient, err := sink.NewMqttClient(config.MqttBroker, log)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
		sinks = append(sinks, sink.NewMqttSink(mqttClient, config.MqttTopicPrefix, log))
	}

	// 6. Transports
	realtime := ws.NewServer(log, registry, dispatcher, ws.Config{
		BufferSize:     config.ConnectionBufferSize,
		WriteWait:      config.WriteWait,
		PongWait:       config.PongWait,
		AllowedOrigins: config.Origins(),
	})
	defer realtime.Close()

	gin.SetMode(gin.ReleaseMode)
	router, err := api.NewRouter(api.Deps{
		Log:             log,
		Actions:         actionRegistry,
		Dispatcher:      dispatcher,
		Registry:        registry,
		Entities:        catalog,
		Journal:         journal,
		Realtime:        realtime,
		Gatherer:        promRegistry,
		ResponseTimeout: config.ResponseTimeout,
		AllowedOrigins:  config.Origins(),
	})
	if err != nil {
		return fmt.Errorf("routes loading failed: %w", err)
	}
	server := &http.Server{
		Addr:              config.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Supervision
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(
		workers.NewHTTPServerWorker(log, server),
		workers.NewEventFanout(log, topicEvents, config.SinkTimeout, sinks...),
		workers.NewHealthMonitoringWorker(log, dispatcher, registry, metrics,
			config.MetricInterval, config.BacklogWarnThreshold, config.ActionTimeout),
		workers.NewChannelCapacityWorker(log, metrics, config.MetricInterval,
			workers.NamedChannel{Name: "topic_events", Channel: topicEvents}),
	)

	log.Info("Starting live-hub", "address", config.Address(),
		"actions", actionRegistry.Count(), "action_timeout", config.ActionTimeout)

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Info("Shutting down gracefully...")
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return errors.New("workers did not stop in time")
	}
	log.Info("Program stopped cleanly")
	return nil
}
