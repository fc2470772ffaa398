// Package logx wraps zerolog behind a small structured-logging API.
//
// The Service owns the sinks (console, JSON file) and can re-apply a new
// configuration at runtime without invalidating Logger values handed out
// earlier: loggers created from a Service always write through the current
// root. The zero Logger is a safe no-op.
package logx
