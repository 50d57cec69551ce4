// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package async

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// logEvent is the concrete logiface event type used throughout this module.
// It is izerolog's zerolog-backed event, aliased here so the rest of the
// package doesn't need to import izerolog directly.
type logEvent = izerolog.Event

// LogEvent is the exported form of logEvent, for packages outside async
// (dispatcher, stream, server) that need to name
// *logiface.Logger[*async.LogEvent] without importing izerolog themselves.
type LogEvent = izerolog.Event

// Log categories tag entries by the subsystem that emitted them.
const (
	categoryTask    = "task"
	categoryAccept  = "accept"
	categoryReactor = "reactor"
)

// NewLogger builds a structured logger backed by zerolog, writing to w. If w
// is nil, os.Stderr is used.
func NewLogger(w io.Writer) *logiface.Logger[*logEvent] {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(izerolog.WithZerolog(zl))
}

// noopLogger returns a logger with no writer configured, so every call site
// is discarded without allocating an event. It is the default used by
// resolveReactorOptions when WithLogger is not supplied.
func noopLogger() *logiface.Logger[*logEvent] {
	return izerolog.L.New()
}

// logUncaughtTaskError logs a panic recovered from a reactor callback
// (timer, I/O, signal, or submitted function).
func logUncaughtTaskError(logger *logiface.Logger[*logEvent], err error) {
	logger.Err(err).Str("category", categoryTask).Log("uncaught task error")
}

// logAcceptError logs a failure from the TCP acceptor's accept loop.
// Transient errors (EAGAIN/EWOULDBLOCK/ECONNABORTED) are logged at Warning;
// anything else is logged at Err.
func logAcceptError(logger *logiface.Logger[*logEvent], err error, transient bool) {
	if transient {
		logger.Warning().Err(err).Str("category", categoryAccept).Log("accept failed")
		return
	}
	logger.Err(err).Str("category", categoryAccept).Log("accept failed")
}

// LogAcceptError is the exported form of logAcceptError, for the server
// package's accept loop and throttling log sites.
func LogAcceptError(logger *logiface.Logger[*LogEvent], err error, transient bool) {
	logAcceptError(logger, err, transient)
}

// LogAcceptThrottled logs a connection closed immediately by the accept
// loop's rate limiter, before any handler was ever submitted.
func LogAcceptThrottled(logger *logiface.Logger[*LogEvent], addr string) {
	logger.Warning().Str("category", categoryAccept).Str("addr", addr).Log("accept throttled")
}

// logReactorSetupError logs a failure to register a timer, fd, or signal
// watch with the reactor.
func logReactorSetupError(logger *logiface.Logger[*logEvent], err error) {
	logger.Err(err).Str("category", categoryReactor).Log("setup failed")
}

// logReactorDebug logs a low-volume debug trace of reactor bookkeeping
// (watch registration/cancellation). Dropped entirely unless the logger's
// level allows Debug.
func logReactorDebug(logger *logiface.Logger[*logEvent], msg string) {
	logger.Debug().Str("category", categoryReactor).Log(msg)
}
