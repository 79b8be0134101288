package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/secretflow/secretpad-sub000/internal/app/bootstrap"
)

// Worker process entrypoint.
// Data flow:
// 1) Load config.
// 2) Build app wiring.
// 3) Resume interrupted executions, start the inbox consumer and relay the
// outbox.
func main() {
	log.Println("approval worker starting")
	app, err := bootstrap.BuildWorker()
	if err != nil {
		log.Fatalf("bootstrap worker failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("worker shutdown close failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Printf("approval worker stopped with error: %v", err)
	}
}
