package conf

import (
	"encoding/json"
	"os"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/log"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"
)

type Config struct {
	Log    *LogConfig  `json:"log,omitempty"`
	Poller poll.Config `json:"poller,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`
}

// Load reads a JSON config; an empty path gives the defaults. Poller
// environment variables override the file.
func Load(path string) (*Config, error) {
	config := new(Config)
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, E.Cause(err, "read config file")
		}
		err = json.Unmarshal(content, config)
		if err != nil {
			return nil, E.Cause(err, "decode config file")
		}
	}
	poller, err := config.Poller.WithDefaults().FromEnv()
	if err != nil {
		return nil, err
	}
	config.Poller = poller
	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	err := c.Poller.Validate()
	if err != nil {
		return E.Cause(err, "poller")
	}
	return nil
}

// Apply sets the log level and starts a poller group over dispatcher.
func (c *Config) Apply(dispatcher native.Dispatcher) (*poll.Group, error) {
	if c.Log != nil && c.Log.Level != "" {
		err := log.SetLevel(c.Log.Level)
		if err != nil {
			return nil, E.Cause(err, "log level")
		}
	}
	group, err := poll.NewGroup(dispatcher, c.Poller)
	if err != nil {
		return nil, err
	}
	err = group.Start()
	if err != nil {
		return nil, E.Errors(err, group.Close())
	}
	return group, nil
}
