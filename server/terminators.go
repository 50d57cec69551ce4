// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package server

import (
	"os"
	"syscall"

	"github.com/joeycumines/go-async/dispatcher"
)

// InstallTerminators submits one task per signal in signals (defaulting to
// syscall.SIGINT and syscall.SIGTERM when none are given); each task waits
// for its signal and calls d.Stop() the first time it fires.
func InstallTerminators(d *dispatcher.Dispatcher, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	for _, sig := range signals {
		sig := sig
		signum, ok := signalNumber(sig)
		if !ok {
			continue
		}
		d.Submit(func(t *dispatcher.Task) (any, error) {
			if err := t.Signal(signum); err != nil {
				return nil, err
			}
			d.Stop()
			return nil, nil
		})
	}
}

func signalNumber(sig os.Signal) (int, bool) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return 0, false
	}
	return int(s), true
}
