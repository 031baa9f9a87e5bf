// Package logx configures the worker's structured logging.
//
// Logger is a small value type over zerolog. Loggers built from a Service
// follow every Service.Apply, so a config reload can change the level or
// sinks without rebuilding components. Stdout is JSON by default, one
// object per line, for log collectors; "console" switches it to a
// human-readable layout for local runs.
package logx
