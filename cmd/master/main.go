// Command master runs the cluster tunnel fabric's master node: it accepts
// user HTTP/WebSocket traffic, serves it locally or forwards it to an
// authenticated slave over the /cluster/tunnel control connection.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clustertunnel/fabric/internal/config"
	"github.com/clustertunnel/fabric/internal/master"
)

func main() {
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	cfg, err := config.MasterConfigFromEnv()
	var router *master.Router
	var addr string
	switch {
	case err == nil:
		router = master.NewRouter(master.NewManager(cfg), local)
		addr = cfg.Addr
	case errors.Is(err, config.ErrNotMasterMode):
		log.Printf("master: DEPLOYMENT_MODE is not \"master\", starting without cluster mode")
		router = master.NewRouter(nil, local)
		addr = standaloneAddr()
	default:
		log.Fatalf("master: invalid configuration: %v", err)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Printf("master: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("master: graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("master: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("master: listen failed: %v", err)
	}
}

// standaloneAddr resolves the listen address when the process falls back to
// standalone mode, before a full MasterConfig exists.
func standaloneAddr() string {
	if v := strings.TrimSpace(os.Getenv("MASTER_ADDR")); v != "" {
		return v
	}
	return ":8080"
}
