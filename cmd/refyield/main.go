package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fx-markets/refyield/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := app.Initialize(ctx)

	if err := app.NewServer(a); err != nil {
		a.Logger.Fatal("Unable to initialize server")
	}

	a.Start(ctx)
}
