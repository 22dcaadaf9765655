// Package log provides the structured logging facade for command feed
// services.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Output flows through a
// formatter/outputs pipeline: a Formatter renders an Entry, every configured
// Output writes it. Loggers are constructor-injected; there is no package
// level default.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.WithComponent("queue")
//	l.Info("command leased", log.Str("commandId", id), log.Int("attempts", 2))
//
// # Interop
//
// RedirectStdLog routes standard library log output (used by pebble) through
// a Logger at the chosen level.
package log
