// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels, and carries loggers and request ids through
// context.Context so that stores and HTTP handlers log with request scope.
package logger
