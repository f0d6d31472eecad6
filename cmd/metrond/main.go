package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jazzonaut/metronome/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./metrond.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		_ = a.Stop(context.Background(), app.StopSignal)
	case <-a.Done():
		// Group context canceled without a signal: a fatal error.
		_ = a.Stop(context.Background(), app.StopFatalError)
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
	}
}
