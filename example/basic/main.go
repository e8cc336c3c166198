package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghalamif/pvflow"
)

func main() {
	path := "config.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	flow, err := pvflow.Conf(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil {
		log.Fatalf("runtime exited: %v", err)
	}
}
