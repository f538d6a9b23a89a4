/*
Package log provides structured logging for the control plane using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("deploy.dispatcher")        │          │
	│  │  - WithHost("host-abc123")                   │          │
	│  │  - WithTask("task-def456")                   │          │
	│  │  - WithPlacement("placement-w01")            │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

Every durable-task handler, installer step and SSH session obtains a child
logger scoped to the host id and/or task id it is acting on, so an operator
grepping logs for a single host or task sees every line that touched it
without cross-referencing a correlation id by hand.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithHost(host.ID).With().Str("task_id", task.ID).Logger()
	logger.Info().Str("phase", "install").Msg("starting container-engine installer")
*/
package log
