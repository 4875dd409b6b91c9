package main

import (
	"github.com/sagernet/sing-nio/channel"
	"github.com/sagernet/sing-nio/common"
	E "github.com/sagernet/sing-nio/common/exceptions"

	"github.com/spf13/cobra"
)

var transferStrategies = []channel.TransferStrategy{
	channel.TransferAuto,
	channel.TransferDirect,
	channel.TransferMapped,
	channel.TransferBuffered,
}

func parseStrategy(name string) (channel.TransferStrategy, error) {
	for _, strategy := range transferStrategies {
		if strategy.String() == name {
			return strategy, nil
		}
	}
	return 0, E.New("unknown transfer strategy: ", name)
}

func copyCommand(f *flags) *cobra.Command {
	var strategyName string
	command := &cobra.Command{
		Use:   "copy <source> <target>",
		Short: "Copy a file through a channel transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := parseStrategy(strategyName)
			if err != nil {
				return err
			}
			r, err := newInstance(f)
			if err != nil {
				return err
			}
			defer r.Close()
			ctx, cancel := signalContext()
			defer cancel()

			source, err := channel.OpenFile(r.dispatcher, args[0], channel.FileOptions{Read: true})
			if err != nil {
				return E.Cause(err, "open source")
			}
			defer source.Close()
			target, err := channel.OpenFile(r.dispatcher, args[1], channel.FileOptions{Write: true, Create: true, Truncate: true})
			if err != nil {
				return E.Cause(err, "open target")
			}
			size, err := source.Size(ctx)
			if err != nil {
				return E.Errors(err, target.Close())
			}
			var copied int64
			for copied < size {
				n, err := source.TransferToWith(ctx, strategy, copied, size-copied, target)
				copied += n
				if err != nil {
					return E.Errors(E.Cause(err, "transfer"), target.Close())
				}
				if n == 0 {
					break
				}
			}
			err = target.Force(ctx, true)
			if err != nil {
				return E.Errors(err, target.Close())
			}
			logger.Info("copied ", copied, " bytes from ", source.Name(), " to ", target.Name(), " (", strategy, ")")
			return common.Close(target)
		},
	}
	command.Flags().StringVarP(&strategyName, "strategy", "s", channel.TransferAuto.String(), "Set the transfer strategy. [possible values: auto, direct, mapped, buffered]")
	return command
}
