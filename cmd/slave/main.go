// Command slave runs the cluster tunnel fabric's slave node: it dials a
// master's control connection, authenticates, and services forwarded HTTP
// and WebSocket traffic against a local application on PORT.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clustertunnel/fabric/internal/config"
	"github.com/clustertunnel/fabric/internal/slaveclient"
)

func main() {
	cfg, err := config.SlaveConfigFromEnv()
	if err != nil {
		log.Fatalf("slave: invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("slave: shutting down")
		cancel()
	}()

	client := slaveclient.New(cfg)
	log.Printf("slave: starting id=%s master=%s local-port=%d", cfg.SlaveID, cfg.MasterURL, cfg.LocalPort)
	if err := client.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("slave: exited with error: %v", err)
	}
}
