package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/querydeck/querydeck/internal/cli/querydeckctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(querydeckctl.Run(ctx, os.Args[1:], querydeckctl.Options{
		BaseURL: os.Getenv("QUERYDECK_BASE_URL"),
		APIKey:  os.Getenv("QUERYDECK_API_KEY"),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}))
}
