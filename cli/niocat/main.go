package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	nio "github.com/sagernet/sing-nio"
	"github.com/sagernet/sing-nio/common/log"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"
	"github.com/sagernet/sing-nio/conf"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type flags struct {
	ConfigFile string
	LogLevel   string
}

var logger = log.NewLogger("niocat")

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:     "niocat",
		Short:   "channel diagnostics and transfer tool",
		Version: nio.Version,
	}
	command.PersistentFlags().StringVarP(&f.ConfigFile, "config", "c", "", "Use a configuration file.")
	command.PersistentFlags().StringVar(&f.LogLevel, "log-level", "", "Override the log level. [possible values: trace, debug, info, warn, error]")

	command.AddCommand(statCommand(f), copyCommand(f), echoCommand(f))

	err := command.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}

type instance struct {
	dispatcher native.Dispatcher
	group      *poll.Group
}

func (r *instance) Close() error {
	return r.group.Close()
}

func newInstance(f *flags) (*instance, error) {
	config, err := conf.Load(f.ConfigFile)
	if err != nil {
		return nil, err
	}
	if f.LogLevel != "" {
		config.Log = &conf.LogConfig{Level: f.LogLevel}
	}
	dispatcher, err := native.System()
	if err != nil {
		return nil, err
	}
	group, err := config.Apply(dispatcher)
	if err != nil {
		return nil, err
	}
	return &instance{dispatcher: dispatcher, group: group}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
