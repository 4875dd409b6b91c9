package main

import (
	"github.com/sagernet/sing-nio/common/mapping"
	"github.com/sagernet/sing-nio/common/poll"

	"github.com/spf13/cobra"
)

type statReport struct {
	Config  poll.Config     `json:"config"`
	Pollers poll.GroupStats `json:"pollers"`
	Mapped  mapping.Usage   `json:"mapped"`
}

func statCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Start the poller group and print its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newInstance(f)
			if err != nil {
				return err
			}
			defer r.Close()
			return printJSON(statReport{
				Config:  r.group.Config(),
				Pollers: r.group.Stats(),
				Mapped:  mapping.Stats(),
			})
		},
	}
}
