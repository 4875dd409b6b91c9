package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sagernet/sing-nio/common/native/fake"
	"github.com/sagernet/sing-nio/common/poll"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv(poll.EnvMode, "")
	t.Setenv(poll.EnvReadPollers, "")
	t.Setenv(poll.EnvWritePollers, "")
	config, err := Load(writeConfig(t, `{"log":{"level":"debug"},"poller":{"mode":"per-carrier","read_pollers":4}}`))
	require.NoError(t, err)
	require.Equal(t, "debug", config.Log.Level)
	require.Equal(t, poll.Config{Mode: poll.ModePerCarrier, ReadPollers: 4, WritePollers: 1}, config.Poller)

	config, err = Load("")
	require.NoError(t, err)
	require.Equal(t, poll.DefaultConfig(), config.Poller)

	_, err = Load(writeConfig(t, `{"poller":{"read_pollers":3}}`))
	require.Error(t, err)
	_, err = Load(writeConfig(t, `{"poller":`))
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv(poll.EnvMode, string(poll.ModeLightweight))
	t.Setenv(poll.EnvReadPollers, "2")
	t.Setenv(poll.EnvWritePollers, "")
	config, err := Load(writeConfig(t, `{"poller":{"mode":"system-threads","read_pollers":8}}`))
	require.NoError(t, err)
	require.Equal(t, poll.Config{Mode: poll.ModeLightweight, ReadPollers: 2, WritePollers: 1}, config.Poller)

	t.Setenv(poll.EnvWritePollers, "two")
	_, err = Load("")
	require.Error(t, err)
}

func TestApply(t *testing.T) {
	level := logrus.GetLevel()
	t.Cleanup(func() {
		logrus.SetLevel(level)
	})
	config := &Config{
		Log:    &LogConfig{Level: "warn"},
		Poller: poll.Config{Mode: poll.ModeLightweight, ReadPollers: 2, WritePollers: 1},
	}
	group, err := config.Apply(fake.NewDispatcher())
	require.NoError(t, err)
	defer group.Close()
	require.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	require.Equal(t, poll.ModeLightweight, group.Stats().Mode)
	require.Len(t, group.Pollers(), 4)

	config.Log.Level = "loud"
	_, err = config.Apply(fake.NewDispatcher())
	require.Error(t, err)
}
