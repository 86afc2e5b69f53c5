// Package logx configures sundial's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON-structured
//   - level and sinks can be swapped at runtime without rebuilding loggers
package logx
