package connect

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dNet/cmd/util"
	"github.com/ValentinKolb/dNet/engine"
	"github.com/ValentinKolb/dNet/engine/tcp"
)

var (
	// ConnectCmd dials a server and forwards stdin to it
	ConnectCmd = &cobra.Command{
		Use:     "connect <host:port>",
		Short:   "Connect to a server and exchange data interactively",
		Long:    `Connect to a TCP server. Every line read from stdin is sent to the server, every byte received is written to stdout.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupEngineFlags(ConnectCmd)

	key := "tag"
	ConnectCmd.PersistentFlags().String(key, "cli", util.WrapString("Tag attached to the connection"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

func run(_ *cobra.Command, args []string) error {
	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		return fmt.Errorf("invalid endpoint %s: %v", args[0], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %s: %v", portStr, err)
	}

	config, err := util.GetEngineConfig()
	if err != nil {
		return err
	}
	config.Listen = nil

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := tcp.NewServer(config, engine.HandlerFunc(func(ev *engine.Event) {
		switch ev.Kind {
		case engine.EventRead:
			_, _ = os.Stdout.Write(ev.Payload())
		case engine.EventClose:
			fmt.Fprintf(os.Stderr, "connection closed: %v\n", ev.Err)
			stop()
		}
	}))
	if err != nil {
		return err
	}

	if _, err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	id, err := client.Connect(ctx, host, port, viper.GetString("tag"))
	if err != nil {
		return err
	}
	info, _ := client.ClientInfo(id)
	fmt.Fprintf(os.Stderr, "connected %s\n", info)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := client.Send(id, []byte(scanner.Text()+"\n")); err != nil {
				util.Logger.Errorf("Send failed: %v", err)
				break
			}
		}
		stop()
	}()

	<-ctx.Done()
	return nil
}
