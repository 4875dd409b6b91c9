package poll

import (
	"os"
	"strconv"

	E "github.com/sagernet/sing-nio/common/exceptions"
)

type Mode string

const (
	// ModeSystemThreads runs every poller on its own OS thread.
	ModeSystemThreads Mode = "system-threads"
	// ModeLightweight runs read and write pollers as goroutines that park
	// on one OS-thread master poller.
	ModeLightweight Mode = "lightweight"
	// ModePerCarrier starts a read poller for each carrier on first use and
	// stops it with the carrier. Write pollers stay on OS threads.
	ModePerCarrier Mode = "per-carrier"
)

const (
	EnvMode         = "NIO_POLLER_MODE"
	EnvReadPollers  = "NIO_READ_POLLERS"
	EnvWritePollers = "NIO_WRITE_POLLERS"
)

type Config struct {
	Mode         Mode `json:"mode,omitempty"`
	ReadPollers  int  `json:"read_pollers,omitempty"`
	WritePollers int  `json:"write_pollers,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Mode:         ModeSystemThreads,
		ReadPollers:  1,
		WritePollers: 1,
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeSystemThreads, ModeLightweight, ModePerCarrier:
	default:
		return E.New("unknown poller mode: ", c.Mode)
	}
	if !isPowerOfTwo(c.ReadPollers) {
		return E.New("read poller count must be a power of two: ", c.ReadPollers)
	}
	if !isPowerOfTwo(c.WritePollers) {
		return E.New("write poller count must be a power of two: ", c.WritePollers)
	}
	return nil
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	defaultConfig := DefaultConfig()
	if c.Mode == "" {
		c.Mode = defaultConfig.Mode
	}
	if c.ReadPollers == 0 {
		c.ReadPollers = defaultConfig.ReadPollers
	}
	if c.WritePollers == 0 {
		c.WritePollers = defaultConfig.WritePollers
	}
	return c
}

// FromEnv overrides c with the poller environment variables that are set.
func (c Config) FromEnv() (Config, error) {
	return c.fromLookup(os.LookupEnv)
}

func (c Config) fromLookup(lookup func(string) (string, bool)) (Config, error) {
	if value, loaded := lookup(EnvMode); loaded && value != "" {
		c.Mode = Mode(value)
	}
	for _, override := range []struct {
		name   string
		target *int
	}{
		{EnvReadPollers, &c.ReadPollers},
		{EnvWritePollers, &c.WritePollers},
	} {
		value, loaded := lookup(override.name)
		if !loaded || value == "" {
			continue
		}
		count, err := strconv.Atoi(value)
		if err != nil {
			return c, E.Cause(err, "parse ", override.name)
		}
		*override.target = count
	}
	return c, nil
}
