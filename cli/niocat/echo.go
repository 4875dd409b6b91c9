package main

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/sing-nio/channel"
	E "github.com/sagernet/sing-nio/common/exceptions"
	M "github.com/sagernet/sing-nio/common/metadata"

	"github.com/spf13/cobra"
)

func echoCommand(f *flags) *cobra.Command {
	var (
		backlog int
		idle    time.Duration
	)
	command := &cobra.Command{
		Use:   "echo <listen address>",
		Short: "Echo every accepted stream back to its peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrPort, err := M.ParseAddrPort(args[0])
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

			local := M.TCPAddr(addrPort)
			family, err := channel.FamilyOf(local)
			if err != nil {
				return err
			}
			listener, err := channel.NewListenerChannel(r.dispatcher, r.group, family)
			if err != nil {
				return err
			}
			err = listener.Bind(local, backlog)
			if err != nil {
				return E.Errors(E.Cause(err, "listen ", addrPort), listener.Close())
			}
			logger.Info("echo server listening at ", listener.Addr())
			return serveEcho(ctx, listener, idle)
		},
	}
	command.Flags().IntVarP(&backlog, "backlog", "b", channel.DefaultBacklog, "Set the listen backlog.")
	command.Flags().DurationVar(&idle, "idle-timeout", 0, "Close connections idle for this long. Zero disables the timeout.")
	return command
}

// serveEcho accepts until ctx is done, which closes the listener.
func serveEcho(ctx context.Context, listener *channel.ListenerChannel, idle time.Duration) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.AcceptContext(ctx)
		if err != nil {
			if ctx.Err() != nil || E.IsClosed(err) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			echo(ctx, conn, idle)
		}()
	}
}

func echo(ctx context.Context, conn *channel.StreamChannel, idle time.Duration) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	logger.Debug("accepted ", remote)
	buffer := make([]byte, 32*1024)
	var total int64
	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := conn.ReadContext(ctx, buffer)
		if n > 0 {
			_, writeErr := conn.WriteContext(ctx, buffer[:n])
			if writeErr != nil {
				err = writeErr
			}
			total += int64(n)
		}
		if err != nil {
			switch {
			case E.IsTimeout(err):
				logger.Debug("idle timeout for ", remote)
			case !E.IsClosed(err):
				logger.Warn("echo ", remote, ": ", err)
			}
			break
		}
	}
	logger.Debug("echoed ", total, " bytes for ", remote)
}
