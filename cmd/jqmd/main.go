// Command jqmd boots one node's engine: Persistence Gateway, Deployment
// Registry, and Engine Supervisor, then blocks until it receives a
// shutdown signal, the way the teacher's cmd/main.go boots its App and
// blocks inside a.Run(addr) -- jqmd has no HTTP server to run, so it
// blocks on the OS signal instead.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ridgeline-systems/jqm/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("jqmd: init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("jqmd: start failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	a.Shutdown()
}
