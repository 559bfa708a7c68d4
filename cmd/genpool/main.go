package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"genpool/internal/app"
)

func main() {
	var (
		cfgPath   string
		itemsPath string
		outPath   string
		strategy  string
	)
	flag.StringVar(&cfgPath, "config", "./genpool.json", "path to config (json or yaml)")
	flag.StringVar(&itemsPath, "items", "", "path to work items json")
	flag.StringVar(&outPath, "out", "-", "results output path (- for stdout)")
	flag.StringVar(&strategy, "strategy", "", "override model strategy (speed|quality)")
	flag.Parse()

	if itemsPath == "" {
		fmt.Fprintln(os.Stderr, "fatal: -items is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{Strategy: strategy})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer a.Stop()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	if err := a.RunBatch(ctx, itemsPath, outPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
