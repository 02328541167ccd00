package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

type Config struct {
	LogLevel             string        `env:"LOG_LEVEL,required=true"`
	Host                 string        `env:"HOST,default=localhost"`
	Port                 int           `env:"PORT,default=8080"`
	ActionTimeout        time.Duration `env:"ACTION_TIMEOUT,default=2s"`
	BadgerFilepath       string        `env:"BADGER_FILEPATH,required=true"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`
	FanoutBufferSize     int           `env:"FANOUT_BUFFER_SIZE,default=1024"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=5s"`
	ResponseTimeout      time.Duration `env:"RESPONSE_TIMEOUT,default=5s"`
	WriteWait            time.Duration `env:"WRITE_WAIT,default=10s"`
	PongWait             time.Duration `env:"PONG_WAIT,default=60s"`
	MetricInterval       time.Duration `env:"METRIC_INTERVAL,default=10s"`
	BacklogWarnThreshold int           `env:"BACKLOG_WARN_THRESHOLD,default=100"`
	LimitEvents          *int          `env:"LIMIT_EVENTS"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS,default=*"`
	MqttBroker           string        `env:"MQTT_BROKER"`
	MqttTopicPrefix      string        `env:"MQTT_TOPIC_PREFIX,default=livehub"`
}

// LoadConfig reads an optional .env file then the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, err
	}
	if config.ActionTimeout <= 0 {
		return Config{}, fmt.Errorf("ACTION_TIMEOUT must be positive, got %s", config.ActionTimeout)
	}
	if config.LimitEvents != nil && *config.LimitEvents <= 0 {
		return Config{}, fmt.Errorf("LIMIT_EVENTS must be positive, got %d", *config.LimitEvents)
	}
	return config, nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits ALLOWED_ORIGINS, a comma separated list.
func (c Config) Origins() []string {
	origins := lo.Map(strings.Split(c.AllowedOrigins, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	})
	return lo.Compact(origins)
}
