package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilhealth/veil-backend/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to start worker: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Log.Info("Worker running; waiting for jobs")
	if err := a.Worker.Run(ctx); err != nil {
		a.Log.Error("Worker stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("Worker shut down")
}
