package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dNet/lib/sendbuf"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultReceiveBufferSize  = 10 * 1024  // per connection receive scratch buffer
	DefaultSendBufferSize     = 100 * 1024 // per connection transmit scratch buffer
	MinSendBufferSize         = 1024
	DefaultMaxPendingAccepts  = 10
	DefaultAcceptWaitSecond   = 10
	DefaultPipelineWaitMs     = 1000
	DefaultConnectTimeoutSec  = 10
	DefaultHeartbeatTimeout   = 5
	DefaultHeartbeatPayload   = "Heart beat test, please reply!"
	DefaultBroadcastWorkers   = 64
	DefaultMetricsPrefix      = "dnet"
	DefaultBackpressurePolicy = "reject"
)

// --------------------------------------------------------------------------
// Listen configuration
// --------------------------------------------------------------------------

// ListenParam describes one port the engine listens on. The tag is handed back
// to the application in the metadata of every connection accepted on that port.
// Port 0 binds an ephemeral port.
type ListenParam struct {
	Port int
	Tag  string
}

func (p ListenParam) String() string {
	if p.Tag == "" {
		return strconv.Itoa(p.Port)
	}
	return fmt.Sprintf("%d=%s", p.Port, p.Tag)
}

// ParseListenParams parses a comma separated list of ports with optional tags,
// e.g. "554,5000=video,5001"
func ParseListenParams(s string) ([]ListenParam, error) {
	var params []ListenParam
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		portStr, tag, _ := strings.Cut(field, "=")
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid listen port %q", field)
		}
		params = append(params, ListenParam{Port: port, Tag: strings.TrimSpace(tag)})
	}
	return params, nil
}

// --------------------------------------------------------------------------
// Socket configuration
// --------------------------------------------------------------------------

// SocketConf holds the generic socket options applied to every connection
type SocketConf struct {
	WriteBufferSize int  // SO_SNDBUF, 0 keeps the OS default
	ReadBufferSize  int  // SO_RCVBUF, 0 keeps the OS default
	ReusePort       bool // SO_REUSEPORT on listeners
}

// TCPConf holds TCP specific options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int // 0 disables keep-alive
	TCPLingerSec    int // <= 0 keeps the OS default
}

// --------------------------------------------------------------------------
// Engine configuration struct
// --------------------------------------------------------------------------

// EngineConfig holds all parameters of a dNet engine
type EngineConfig struct {
	// Ports to listen on, may be empty for a pure client
	Listen []ListenParam

	// Per connection buffers
	ReceiveBufferSize  int
	SendBufferSize     int
	MaxQueuedBytes     int64  // outbound cap per connection, 0 means unlimited
	BackpressurePolicy string // reject or block

	// Listener
	MaxPendingAccepts int
	AcceptWaitSecond  int
	SkipPortCheck     bool

	// Pipelines
	PipelineWaitMs       int
	BroadcastConcurrency int
	EmitSendEvents       bool

	// Outbound connections
	ConnectTimeoutSecond int

	// Heartbeat, disabled if the interval is 0
	HeartbeatIntervalSecond int
	HeartbeatTimeoutSecond  int
	HeartbeatPayload        string
	HeartbeatCloseIdle      bool

	// Socket options
	Socket SocketConf
	TCP    TCPConf

	// Observability
	MetricsPrefix string
	LogLevel      string
}

// DefaultEngineConfig returns a config with every value set to its default
func DefaultEngineConfig() EngineConfig {
	c := EngineConfig{
		TCP: TCPConf{TCPNoDelay: true},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every zero value with its default and clamps the buffer sizes
func (c *EngineConfig) ApplyDefaults() {
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.SendBufferSize < MinSendBufferSize {
		c.SendBufferSize = MinSendBufferSize
	}
	// the transmit buffer must hold at least two receive buffers
	if c.SendBufferSize < 2*c.ReceiveBufferSize {
		c.SendBufferSize = 2 * c.ReceiveBufferSize
	}
	if c.BackpressurePolicy == "" {
		c.BackpressurePolicy = DefaultBackpressurePolicy
	}
	if c.MaxPendingAccepts <= 0 {
		c.MaxPendingAccepts = DefaultMaxPendingAccepts
	}
	if c.AcceptWaitSecond <= 0 {
		c.AcceptWaitSecond = DefaultAcceptWaitSecond
	}
	if c.PipelineWaitMs <= 0 {
		c.PipelineWaitMs = DefaultPipelineWaitMs
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = DefaultBroadcastWorkers
	}
	if c.ConnectTimeoutSecond <= 0 {
		c.ConnectTimeoutSecond = DefaultConnectTimeoutSec
	}
	if c.HeartbeatTimeoutSecond <= 0 {
		c.HeartbeatTimeoutSecond = DefaultHeartbeatTimeout
	}
	if c.HeartbeatPayload == "" {
		c.HeartbeatPayload = DefaultHeartbeatPayload
	}
	if c.MetricsPrefix == "" {
		c.MetricsPrefix = DefaultMetricsPrefix
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the config for values that cannot be defaulted
func (c *EngineConfig) Validate() error {
	seen := make(map[int]bool, len(c.Listen))
	for _, p := range c.Listen {
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("invalid listen port %d", p.Port)
		}
		if p.Port != 0 && seen[p.Port] {
			return fmt.Errorf("duplicate listen port %d", p.Port)
		}
		seen[p.Port] = true
	}
	if c.MaxQueuedBytes < 0 {
		return fmt.Errorf("max queued bytes must not be negative")
	}
	if c.HeartbeatIntervalSecond < 0 {
		return fmt.Errorf("heartbeat interval must not be negative")
	}
	if _, err := sendbuf.ParsePolicy(c.BackpressurePolicy); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Policy returns the parsed backpressure policy, reject if invalid
func (c *EngineConfig) Policy() sendbuf.Policy {
	p, _ := sendbuf.ParsePolicy(c.BackpressurePolicy)
	return p
}

// PipelineWait returns the pipeline wait timeout
func (c *EngineConfig) PipelineWait() time.Duration {
	return time.Duration(c.PipelineWaitMs) * time.Millisecond
}

// AcceptWait returns the self-heal timeout of the accept drain loop
func (c *EngineConfig) AcceptWait() time.Duration {
	return time.Duration(c.AcceptWaitSecond) * time.Second
}

// ConnectTimeout returns the dial timeout of outbound connections
func (c *EngineConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecond) * time.Second
}

// String returns a formatted string representation of the configuration
func (c *EngineConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Listen")
	if len(c.Listen) == 0 {
		addField("Ports", "none (client only)")
	}
	for i, p := range c.Listen {
		tag := p.Tag
		if tag == "" {
			tag = "-"
		}
		addField(strconv.Itoa(i), fmt.Sprintf("port %d, tag %s", p.Port, tag))
	}
	addField("Pending Accepts", strconv.Itoa(c.MaxPendingAccepts))
	addField("Accept Wait", fmt.Sprintf("%d sec", c.AcceptWaitSecond))
	addField("Port Check", fmt.Sprintf("%t", !c.SkipPortCheck))

	addSection("Connection Buffers")
	addField("Receive Buffer", fmt.Sprintf("%d B", c.ReceiveBufferSize))
	addField("Send Buffer", fmt.Sprintf("%d B", c.SendBufferSize))
	if c.MaxQueuedBytes > 0 {
		addField("Max Queued", fmt.Sprintf("%d B (%s)", c.MaxQueuedBytes, c.BackpressurePolicy))
	} else {
		addField("Max Queued", "unlimited")
	}

	addSection("Pipelines")
	addField("Wait", fmt.Sprintf("%d ms", c.PipelineWaitMs))
	addField("Broadcast Workers", strconv.Itoa(c.BroadcastConcurrency))
	addField("Send Events", fmt.Sprintf("%t", c.EmitSendEvents))
	addField("Connect Timeout", fmt.Sprintf("%d sec", c.ConnectTimeoutSecond))

	addSection("Heartbeat")
	if c.HeartbeatIntervalSecond > 0 {
		addField("Interval", fmt.Sprintf("%d sec", c.HeartbeatIntervalSecond))
		addField("Timeout", fmt.Sprintf("%d sec", c.HeartbeatTimeoutSecond))
		addField("Close Idle", fmt.Sprintf("%t", c.HeartbeatCloseIdle))
	} else {
		addField("Interval", "disabled")
	}

	addSection("Socket")
	addField("TCP No Delay", fmt.Sprintf("%t", c.TCP.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.TCP.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.TCP.TCPLingerSec))
	addField("Write Buffer", fmt.Sprintf("%d B", c.Socket.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d B", c.Socket.ReadBufferSize))
	addField("Reuse Port", fmt.Sprintf("%t", c.Socket.ReusePort))

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Metrics Prefix", c.MetricsPrefix)

	return sb.String()
}
