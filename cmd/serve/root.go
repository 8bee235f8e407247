package serve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/dNet/cmd/util"
	"github.com/ValentinKolb/dNet/engine"
	"github.com/ValentinKolb/dNet/engine/common"
	"github.com/ValentinKolb/dNet/engine/tcp"
	"github.com/ValentinKolb/dNet/lib/portcheck"
)

var (
	serveCmdConfig = common.EngineConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dNet server",
		Long:    `Start a dNet server with the specified configuration. The configuration can be set via command line flags, a config file or environment variables. The format of the environment variables is DNET_<flag> (e.g. DNET_MAX_PENDING_ACCEPTS=20)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupEngineFlags(ServeCmd)

	// add flags
	key := "ports"
	ServeCmd.PersistentFlags().String(key, "5000", cmdUtil.WrapString("Comma-separated list of ports to listen on. Format: PORT[=TAG], the tag is reported with every connection accepted on that port"))

	key = "mode"
	ServeCmd.PersistentFlags().String(key, ModeLog, cmdUtil.WrapString("What to do with received data: log it, echo it back or broadcast it to all clients (log, echo, broadcast)"))

	key = "stdin-broadcast"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Broadcast every line read from stdin to all clients"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address on which the metrics are served in Prometheus format (e.g. :9100, empty = disabled)"))

	key = "media-ports"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("UDP port range START-END from which free media ports are reported at startup (empty = disabled)"))

	key = "media-port-count"
	ServeCmd.PersistentFlags().Int(key, 2, cmdUtil.WrapString("Number of free media ports to report"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the engine configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	config, err := cmdUtil.GetEngineConfig()
	if err != nil {
		return err
	}
	if len(config.Listen) == 0 {
		return fmt.Errorf("no ports to listen on")
	}
	serveCmdConfig = config

	return nil
}

// run starts the server and blocks until SIGINT/SIGTERM
func run(_ *cobra.Command, _ []string) error {
	handler, err := newModeHandler(viper.GetString("mode"))
	if err != nil {
		return err
	}

	server, err := tcp.NewServer(serveCmdConfig, handler)
	if err != nil {
		return err
	}
	handler.attach(server)

	fmt.Println(serveCmdConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failedPorts, err := server.Start(ctx)
	if err != nil {
		return err
	}
	if len(failedPorts) > 0 {
		fmt.Printf("Failed to listen on ports: %v\n", failedPorts)
	}
	if len(failedPorts) == len(serveCmdConfig.Listen) {
		_ = server.Stop()
		return fmt.Errorf("could not bind any port")
	}

	if err := reportMediaPorts(); err != nil {
		_ = server.Stop()
		return err
	}

	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		metricsServer := serveMetrics(endpoint, server)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if viper.GetBool("stdin-broadcast") {
		go broadcastStdin(ctx, server)
	}

	<-ctx.Done()
	fmt.Println("Shutting down...")
	if err := server.Stop(); err != nil {
		return err
	}
	fmt.Println(server.Stats().Snapshot)
	return nil
}

// serveMetrics exposes the engine metrics on endpoint
func serveMetrics(endpoint string, server *engine.Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		server.Metrics().WritePrometheus(w)
	})
	srv := &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		cmdUtil.Logger.Infof("Serving metrics on http://%s/metrics", endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cmdUtil.Logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
	return srv
}

// broadcastStdin sends every line of stdin to all clients
func broadcastStdin(ctx context.Context, server *engine.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() && ctx.Err() == nil {
		line := scanner.Text() + "\n"
		n := server.Broadcast([]byte(line))
		fmt.Printf("sent to %d clients\n", n)
	}
}

// reportMediaPorts prints free UDP ports of the --media-ports range
func reportMediaPorts() error {
	portRange := viper.GetString("media-ports")
	if portRange == "" {
		return nil
	}
	start, end, err := parsePortRange(portRange)
	if err != nil {
		return err
	}
	count := viper.GetInt("media-port-count")
	ports := portcheck.FreeUDPPorts(start, end, count)
	if len(ports) < count {
		return fmt.Errorf("only %d of %d media ports free in %d-%d", len(ports), count, start, end)
	}
	fmt.Printf("Free media ports: %v\n", ports)
	return nil
}

// parsePortRange parses "START-END"
func parsePortRange(s string) (int, int, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range %s (expected START-END)", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range start %s: %v", startStr, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range end %s: %v", endStr, err)
	}
	if start <= 0 || end > 65535 || start > end {
		return 0, 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return start, end, nil
}
