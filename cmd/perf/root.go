package perf

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dNet/cmd/util"
	"github.com/ValentinKolb/dNet/engine"
	"github.com/ValentinKolb/dNet/engine/common"
	"github.com/ValentinKolb/dNet/engine/tcp"
)

var (
	// PerfCmd benchmarks a server running in echo mode
	PerfCmd = &cobra.Command{
		Use:     "perf <host:port>",
		Short:   "Performance testing tool for dNet echo servers",
		Long:    `Measure round trips against a server started with "dnet serve --mode echo".`,
		Args:    cobra.ExactArgs(1),
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfConnections      = 10
	perfMessageSize      = 64
	perfLargeValueSizeKB = 100
	perfSkip             = make([]string, 0)
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupEngineFlags(PerfCmd)

	// add flags
	key := "skip"
	PerfCmd.PersistentFlags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. roundtrip,connect)"))
	key = "connections"
	PerfCmd.PersistentFlags().Int(key, 10, util.WrapString("Number of connections (and parallel workers) to use for the benchmark"))
	key = "message-size"
	PerfCmd.PersistentFlags().Int(key, 64, util.WrapString("Size of the messages of the roundtrip test (in bytes)"))
	key = "large-value-size"
	PerfCmd.PersistentFlags().Int(key, 100, util.WrapString("How large the message of the roundtrip-large test should be (in KB)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfConnections = max(viper.GetInt("connections"), 1)
	perfMessageSize = max(viper.GetInt("message-size"), 1)
	perfLargeValueSizeKB = max(viper.GetInt("large-value-size"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
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

	fmt.Println("Performance testing tool for dNet servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Target: %s\n", args[0])
	fmt.Printf("Connections: %d\n", perfConnections)
	fmt.Println()

	b, err := newBench(config, host, port)
	if err != nil {
		return err
	}
	defer b.close()

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)

	results["roundtrip"] = testing.Benchmark(func(tb *testing.B) {
		if shouldSkip("roundtrip") {
			return
		}
		b.roundTrips(tb, make([]byte, perfMessageSize))
	})
	printResult("roundtrip", results["roundtrip"])

	results["roundtrip-large"] = testing.Benchmark(func(tb *testing.B) {
		if shouldSkip("roundtrip-large") {
			return
		}
		b.roundTrips(tb, make([]byte, perfLargeValueSizeKB*1024))
	})
	printResult("roundtrip-large", results["roundtrip-large"])

	results["connect"] = testing.Benchmark(func(tb *testing.B) {
		if shouldSkip("connect") {
			return
		}
		b.connects(tb)
	})
	printResult("connect", results["connect"])

	fmt.Println()
	fmt.Println(b.client.Stats().Snapshot)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, args[0], config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Benchmark client
// --------------------------------------------------------------------------

// bench owns one engine with a pool of connections to the target. Received bytes
// are routed to the waiter registered for the connection.
type bench struct {
	client  *engine.Server
	host    string
	port    int
	conns   chan engine.ConnID
	waiters *xsync.MapOf[engine.ConnID, chan int]
}

func newBench(config common.EngineConfig, host string, port int) (*bench, error) {
	b := &bench{
		host:    host,
		port:    port,
		conns:   make(chan engine.ConnID, perfConnections),
		waiters: xsync.NewMapOf[engine.ConnID, chan int](),
	}

	client, err := tcp.NewServer(config, engine.HandlerFunc(b.handle))
	if err != nil {
		return nil, err
	}
	b.client = client
	if _, err := client.Start(context.Background()); err != nil {
		return nil, err
	}

	for i := 0; i < perfConnections; i++ {
		id, err := b.dial()
		if err != nil {
			b.close()
			return nil, err
		}
		b.conns <- id
	}
	return b, nil
}

func (b *bench) dial() (engine.ConnID, error) {
	id, err := b.client.Connect(context.Background(), b.host, b.port, "perf")
	if err != nil {
		return 0, err
	}
	b.waiters.Store(id, make(chan int, 1024))
	return id, nil
}

func (b *bench) handle(ev *engine.Event) {
	switch ev.Kind {
	case engine.EventRead:
		if ch, ok := b.waiters.Load(ev.Conn); ok {
			ch <- ev.Count
		}
	case engine.EventClose:
		if ch, ok := b.waiters.LoadAndDelete(ev.Conn); ok {
			close(ch)
		}
	}
}

// roundTrips sends msg and waits for the complete echo, one connection per worker
func (b *bench) roundTrips(tb *testing.B, msg []byte) {
	tb.SetParallelism(max(perfConnections/runtime.GOMAXPROCS(0), 1))
	tb.SetBytes(int64(len(msg)))
	tb.ResetTimer()

	tb.RunParallel(func(pb *testing.PB) {
		id := <-b.conns
		defer func() { b.conns <- id }()

		ch, ok := b.waiters.Load(id)
		if !ok {
			util.Logger.Errorf("(roundtrip) - connection %d is gone", id)
			return
		}

		for pb.Next() {
			if err := b.client.Send(id, msg); err != nil {
				util.Logger.Errorf("(roundtrip) - error sending: %v", err)
				return
			}
			for received := 0; received < len(msg); {
				n, ok := <-ch
				if !ok {
					util.Logger.Errorf("(roundtrip) - connection %d closed", id)
					return
				}
				received += n
			}
		}
	})
}

// connects measures connect and close of one connection
func (b *bench) connects(tb *testing.B) {
	tb.ResetTimer()
	for i := 0; i < tb.N; i++ {
		id, err := b.dial()
		if err != nil {
			util.Logger.Errorf("(connect) - error connecting: %v", err)
			continue
		}
		_ = b.client.Close(id)
	}
}

func (b *bench) close() {
	_ = b.client.Stop()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, target string, config common.EngineConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Target", "Connections", "MessageSize", "LargeValueSizeKB",
		"ReceiveBuffer", "SendBuffer", "TCPNoDelay",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			target,
			strconv.Itoa(perfConnections),
			strconv.Itoa(perfMessageSize),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(config.ReceiveBufferSize),
			strconv.Itoa(config.SendBufferSize),
			strconv.FormatBool(config.TCP.TCPNoDelay),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
