package util

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dNet/engine/common"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// Logger is the logger of all cli commands
var Logger = logger.GetLogger("cli")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the engine configuration flags to a command
func SetupEngineFlags(cmd *cobra.Command) {
	d := common.DefaultEngineConfig()
	flags := cmd.PersistentFlags()

	key := "receive-buffer"
	flags.Int(key, d.ReceiveBufferSize/1024, WrapString("Size of the per connection receive buffer (in KB)"))

	key = "send-buffer"
	flags.Int(key, d.SendBufferSize/1024, WrapString("Size of the per connection transmit buffer (in KB, at least twice the receive buffer)"))

	key = "max-queued-bytes"
	flags.Int64(key, 0, WrapString("Maximum number of bytes waiting to be sent per connection (0 = unlimited)"))

	key = "backpressure"
	flags.String(key, d.BackpressurePolicy, WrapString("What happens when max-queued-bytes is reached: reject the send or block the sender (reject, block)"))

	key = "max-pending-accepts"
	flags.Int(key, d.MaxPendingAccepts, WrapString("Number of accept operations kept outstanding per listen port"))

	key = "accept-wait"
	flags.Int(key, d.AcceptWaitSecond, WrapString("Interval in seconds after which the accept slots are topped up even without activity"))

	key = "skip-port-check"
	flags.Bool(key, false, WrapString("Do not check whether a listen port is already in use before binding it"))

	key = "pipeline-wait"
	flags.Int(key, d.PipelineWaitMs, WrapString("Maximum time in milliseconds a pipeline sleeps without a signal"))

	key = "broadcast-concurrency"
	flags.Int(key, d.BroadcastConcurrency, WrapString("Number of connections a broadcast serves in parallel"))

	key = "emit-send-events"
	flags.Bool(key, false, WrapString("Deliver an event for every completed transmit"))

	key = "connect-timeout"
	flags.Int(key, d.ConnectTimeoutSecond, WrapString("Timeout in seconds of outbound connects"))

	key = "heartbeat-interval"
	flags.Int(key, 0, WrapString("Interval in seconds after which a silent connection is probed (0 = disabled)"))

	key = "heartbeat-timeout"
	flags.Int(key, d.HeartbeatTimeoutSecond, WrapString("Time in seconds a probed connection has to answer"))

	key = "heartbeat-payload"
	flags.String(key, d.HeartbeatPayload, WrapString("Payload of the heartbeat probe"))

	key = "heartbeat-close-idle"
	flags.Bool(key, false, WrapString("Close connections that do not answer the heartbeat probe"))

	key = "socket-write-buffer"
	flags.Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 = OS default)"))

	key = "socket-read-buffer"
	flags.Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 = OS default)"))

	key = "reuse-port"
	flags.Bool(key, false, WrapString("Set SO_REUSEPORT on listen sockets"))

	key = "tcp-nodelay"
	flags.Bool(key, true, WrapString("Whether to enable TCP_NODELAY"))

	key = "tcp-keepalive"
	flags.Int(key, 0, WrapString("The TCP keepalive interval (in seconds, 0 = disabled)"))

	key = "tcp-linger"
	flags.Int(key, 0, WrapString("The TCP linger time (in seconds, 0 = OS default)"))

	key = "metrics-prefix"
	flags.String(key, d.MetricsPrefix, WrapString("Prefix of all exported metric names"))
}

// InitConfig loads .env files, environment variables (DNET_<FLAG>) and the
// optional config file given with --config
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// ReadConfigFile reads the config file set with --config, if any. Keys are the
// flag names, e.g. "receive-buffer: 16".
func ReadConfigFile() error {
	path := viper.GetString("config")
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() (common.EngineConfig, error) {
	conf := common.EngineConfig{
		ReceiveBufferSize:       viper.GetInt("receive-buffer") * 1024,
		SendBufferSize:          viper.GetInt("send-buffer") * 1024,
		MaxQueuedBytes:          viper.GetInt64("max-queued-bytes"),
		BackpressurePolicy:      viper.GetString("backpressure"),
		MaxPendingAccepts:       viper.GetInt("max-pending-accepts"),
		AcceptWaitSecond:        viper.GetInt("accept-wait"),
		SkipPortCheck:           viper.GetBool("skip-port-check"),
		PipelineWaitMs:          viper.GetInt("pipeline-wait"),
		BroadcastConcurrency:    viper.GetInt("broadcast-concurrency"),
		EmitSendEvents:          viper.GetBool("emit-send-events"),
		ConnectTimeoutSecond:    viper.GetInt("connect-timeout"),
		HeartbeatIntervalSecond: viper.GetInt("heartbeat-interval"),
		HeartbeatTimeoutSecond:  viper.GetInt("heartbeat-timeout"),
		HeartbeatPayload:        viper.GetString("heartbeat-payload"),
		HeartbeatCloseIdle:      viper.GetBool("heartbeat-close-idle"),
		Socket: common.SocketConf{
			WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
			ReusePort:       viper.GetBool("reuse-port"),
		},
		TCP: common.TCPConf{
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("tcp-linger"),
		},
		MetricsPrefix: viper.GetString("metrics-prefix"),
		LogLevel:      viper.GetString("log-level"),
	}

	if ports := viper.GetString("ports"); ports != "" {
		params, err := common.ParseListenParams(ports)
		if err != nil {
			return conf, err
		}
		conf.Listen = params
	}

	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

// BindCommandFlags binds a command's flags to viper, reads the config file and
// initializes the loggers
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := ReadConfigFile(); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}
