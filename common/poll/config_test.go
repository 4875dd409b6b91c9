package poll

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, Config{Mode: ModePerCarrier, ReadPollers: 8, WritePollers: 2}.Validate())
	require.Error(t, Config{Mode: "threads", ReadPollers: 1, WritePollers: 1}.Validate())
	require.Error(t, Config{Mode: ModeLightweight, ReadPollers: 3, WritePollers: 1}.Validate())
	require.Error(t, Config{Mode: ModeLightweight, ReadPollers: 1, WritePollers: 0}.Validate())
	require.Equal(t, DefaultConfig(), Config{}.WithDefaults())
}

func TestConfigEnvOverride(t *testing.T) {
	t.Parallel()
	environment := map[string]string{
		EnvMode:        "lightweight",
		EnvReadPollers: "4",
	}
	lookup := func(name string) (string, bool) {
		value, loaded := environment[name]
		return value, loaded
	}
	config, err := DefaultConfig().fromLookup(lookup)
	require.NoError(t, err)
	require.Equal(t, Config{Mode: ModeLightweight, ReadPollers: 4, WritePollers: 1}, config)

	environment[EnvWritePollers] = "many"
	_, err = DefaultConfig().fromLookup(lookup)
	require.Error(t, err)
}

func TestNewGroupRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := NewGroup(nil, Config{ReadPollers: 6})
	require.Error(t, err)
}
