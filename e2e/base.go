package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"live-hub/client"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

type BaseHubSuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseHubSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.HubAddr == "" {
		s.T().Skip("HUB_ADDR not set, no hub to talk to")
	}
}

func (s *BaseHubSuite) header(t *testing.T, name string) {
	line := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		line = color.New(color.BgBlack, color.FgGreen).Render(line)
	}
	t.Log(line)
}

// Session is a connected client collecting every event it receives.
type Session struct {
	*client.Client
	Events chan Received
	Errors chan client.ErrorMessage
}

type Received struct {
	Type    string
	Payload json.RawMessage
}

// WithSession connects a realtime client for the duration of fn.
func (s *BaseHubSuite) WithSession(name string, fn func(ctx context.Context, session Session)) {
	t := s.T()
	s.header(t, name)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := client.New(logs.GetLoggerFromLevel(slog.LevelDebug), "ws://"+s.Config.HubAddr+"/ws")
	session := Session{Client: c, Events: make(chan Received, 64), Errors: make(chan client.ErrorMessage, 64)}
	c.OnAny(func(eventType string, payload json.RawMessage) {
		if s.Config.DebugJSON {
			t.Logf("EVENT %s %s", eventType, payload)
		}
		session.Events <- Received{Type: eventType, Payload: payload}
	})
	c.OnError(func(msg client.ErrorMessage) {
		if s.Config.DebugJSON {
			t.Logf("ERROR %s", msg.Error)
		}
		session.Errors <- msg
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-c.Ready():
	case err := <-done:
		s.Require().NoError(err, "Failed to connect to hub at "+s.Config.HubAddr)
	}

	fn(ctx, session)
	cancel()
	s.Require().NoError(<-done)
}

// Expect waits for the next event of the given type, skipping the others.
func (s *BaseHubSuite) Expect(ctx context.Context, session Session, eventType string) json.RawMessage {
	for {
		select {
		case received := <-session.Events:
			if received.Type == eventType {
				return received.Payload
			}
		case <-ctx.Done():
			s.Require().FailNow("event never received", eventType)
			return nil
		}
	}
}

// HTTP calls the hub's HTTP side, optionally on behalf of a realtime session.
func (s *BaseHubSuite) HTTP(method, path, body, sessionID string) *http.Response {
	request, err := http.NewRequest(method, "http://"+s.Config.HubAddr+path, strings.NewReader(body))
	s.Require().NoError(err)
	request.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		request.Header.Set("X-Session-ID", sessionID)
	}
	response, err := http.DefaultClient.Do(request)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = response.Body.Close() })
	return response
}
