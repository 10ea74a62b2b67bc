// Package logging builds the slog loggers shared by the CLI, the watch loop,
// and the development backend.
//
// Two output formats are supported: a compact console line
// ("2026-01-02T15:04:05Z INFO queue: merged batch updates=3") and JSON with
// ts/level/msg keys for log shippers. Component loggers tag records with a
// component attribute that the console handler lifts in front of the message.
package logging
