package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BADGER_FILEPATH", t.TempDir())

	config, err := LoadConfig()

	req.NoError(err)
	req.Equal(2*time.Second, config.ActionTimeout)
	req.Equal("localhost:8080", config.Address())
	req.Equal([]string{"*"}, config.Origins())
	req.Nil(config.LimitEvents)
	req.Empty(config.MqttBroker)
	req.Equal("livehub", config.MqttTopicPrefix)
}

func TestLoadConfig_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("LOG_LEVEL", "INFO")
	t.Setenv("BADGER_FILEPATH", t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("ACTION_TIMEOUT", "750ms")
	t.Setenv("LIMIT_EVENTS", "20")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	config, err := LoadConfig()

	req.NoError(err)
	req.Equal(750*time.Millisecond, config.ActionTimeout)
	req.Equal(9000, config.Port)
	req.Equal(20, *config.LimitEvents)
	req.Equal([]string{"https://a.example", "https://b.example"}, config.Origins())
}

func TestLoadConfig_Rejects_Bad_Values(t *testing.T) {
	req := require.New(t)
	t.Setenv("LOG_LEVEL", "INFO")
	t.Setenv("BADGER_FILEPATH", t.TempDir())

	t.Setenv("ACTION_TIMEOUT", "0s")
	_, err := LoadConfig()
	req.Error(err)

	t.Setenv("ACTION_TIMEOUT", "1s")
	t.Setenv("LIMIT_EVENTS", "0")
	_, err = LoadConfig()
	req.Error(err)
}
