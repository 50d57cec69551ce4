// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package async

import "github.com/joeycumines/logiface"

// reactorOptions holds configuration options for Reactor creation.
type reactorOptions struct {
	logger *logiface.Logger[*logEvent]
}

// ReactorOption configures a Reactor instance.
type ReactorOption interface {
	applyReactor(*reactorOptions)
}

type reactorOptionFunc func(*reactorOptions)

func (f reactorOptionFunc) applyReactor(opts *reactorOptions) { f(opts) }

// WithLogger attaches a structured logger to the reactor. Panics recovered
// from reactor callbacks and poll failures are logged through it, as are
// errors returned by dispatcher tasks. Failed timer/io/signal registrations
// are returned to the caller, not logged. When omitted, a no-op logger is
// used.
func WithLogger(logger *logiface.Logger[*logEvent]) ReactorOption {
	return reactorOptionFunc(func(opts *reactorOptions) {
		opts.logger = logger
	})
}

func resolveReactorOptions(opts []ReactorOption) *reactorOptions {
	cfg := &reactorOptions{
		logger: noopLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyReactor(cfg)
	}
	return cfg
}
