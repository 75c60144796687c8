// Package oninterrupt lets the engine register cleanup callbacks that run
// on SIGINT, used by cmd/gomaked to mark every open Req zombie (§5
// Cancellation: "killing a Req marks the Req zombie") before the process
// exits, instead of leaving spawned jobs and mounts behind.
package oninterrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	onInterruptMu sync.Mutex
	onInterrupt   []func()
)

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		signal := <-c
		onInterruptMu.Lock()
		for _, f := range onInterrupt {
			f()
		}
		onInterruptMu.Unlock()
		// TODO: replace by cancelling a context:
		// https://medium.com/@matryer/make-ctrl-c-cancel-the-context-context-bd006a8ad6ff
		if sig, ok := signal.(*syscall.Signal); ok {
			os.Exit(128 + int(*sig))
		}
		os.Exit(1) // generic EXIT_FAILURE
	}()
}

func Register(cb func()) {
	onInterruptMu.Lock()
	defer onInterruptMu.Unlock()
	onInterrupt = append(onInterrupt, cb)
}
