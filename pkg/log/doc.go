// Package log provides cmdfeed's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by log/slog via
// a bridge handler that feeds our formatter and outputs, so the slog ecosystem
// can be adopted without changing output across the codebase.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("feed"), log.Str("agent", "a1"))
//	l.Info("leased item", log.Int("attempts", 2))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config: JSON or text
// formatting, console/file/null outputs, key redaction and sampling.
//
// # Interop
//
// Libraries that expect *log.Logger can be given ToStdLogger, or the process
// logger can be replaced with RedirectStdLog.
package log
