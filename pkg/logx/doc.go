// Package logx is the structured logging layer over zerolog.
//
// Console output is human readable with a short caller, file output is
// JSON, and an optional remote forwarder ships warnings to the messaging
// fabric at a bounded rate. Loggers derived from a Service follow its
// level and writers across config reloads.
package logx
