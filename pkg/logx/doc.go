// Package logx is skillcron's logging layer over zerolog.
//
// Components take a Logger value and derive their own with
// log.With(logx.String("comp", ...)). Loggers built from a Service follow
// every Service.Apply, so hot-reloaded levels and sinks reach loggers that
// were handed out earlier.
//
// Sinks: a console writer, a JSON file, and a rate-limited chat alert sink
// for warnings and errors.
package logx
