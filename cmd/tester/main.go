// Command tester connects to a running hub, sends one action and prints
// every frame it gets back until interrupted or the wait elapses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"live-hub/client"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
)

type Config struct {
	URL      string        `envconfig:"TESTER_URL" default:"ws://localhost:8080/ws"`
	Colours  bool          `envconfig:"TESTER_COLOURS" default:"true"`
	Wait     time.Duration `envconfig:"TESTER_WAIT" default:"3s"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"INFO"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Tester error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	actionType := flag.String("type", "PING", "Action type to send")
	payload := flag.String("payload", "{}", "Action payload as JSON")
	listen := flag.String("listen", "", "Event types to print, all when empty (comma separated)")
	flag.Parse()

	var body json.RawMessage
	if err := json.Unmarshal([]byte(*payload), &body); err != nil {
		return fmt.Errorf("payload is not JSON: %w", err)
	}

	log := logs.GetLoggerFromString(config.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, config.Wait)
	defer cancel()

	printer := newPrinter(config.Colours)
	c := client.New(log, config.URL)
	if *listen == "" {
		c.OnAny(printer.event)
	} else {
		for _, eventType := range strings.Split(*listen, ",") {
			eventType = strings.TrimSpace(eventType)
			c.On(eventType, func(payload json.RawMessage) { printer.event(eventType, payload) })
		}
	}
	c.OnError(printer.error)

	if err := c.Send(*actionType, body); err != nil {
		return err
	}
	printer.header(fmt.Sprintf("%s -> %s", *actionType, config.URL))

	errChan := make(chan error, 1)
	go func() { errChan <- c.Run(ctx) }()

	select {
	case <-c.Ready():
		log.Debug("Session ready", "session_id", c.SessionID())
	case err := <-errChan:
		return err
	}
	return <-errChan
}

type printer struct {
	colours bool
}

func newPrinter(colours bool) printer {
	return printer{colours: colours}
}

func (p printer) header(text string) {
	line := fmt.Sprintf("  ====== %s ======", text)
	if p.colours {
		line = color.New(color.BgBlack, color.FgGreen).Render(line)
	}
	fmt.Println(line)
}

func (p printer) event(eventType string, payload json.RawMessage) {
	name := eventType
	if p.colours {
		name = color.FgCyan.Render(eventType)
	}
	fmt.Printf("%s %s\n", name, payload)
}

func (p printer) error(msg client.ErrorMessage) {
	name := "ERROR"
	if p.colours {
		name = color.FgRed.Render(name)
	}
	fmt.Printf("%s %s (payload %s)\n", name, msg.Error, msg.ActionPayload)
}
