// Package common provides the configuration and logging shared by the dNet engine,
// its transport connectors and the command line tools.
//
// Key Components:
//
//   - EngineConfig: every tunable of an engine instance (listen ports, per-connection
//     buffer sizes, backpressure, pipeline timeouts, heartbeat and socket options).
//     DefaultEngineConfig and ApplyDefaults fill in the values used by the engine
//     when a field is left at its zero value.
//
//   - ListenParam: a port plus an opaque application tag. ParseListenParams reads
//     the "port[=tag],..." notation used on the command line.
//
//   - Logger: custom implementation of dragonboat's logger.ILogger. InitLoggers
//     installs it as the process wide logger factory and sets the level of all
//     dNet loggers.
package common
