// Package cli wires configuration and the reference sync server into a
// runnable command.
package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/server"
)

// Run starts the sync server and blocks until interrupted. It returns the
// process exit code.
func Run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	store, err := server.OpenStore(cfg.Server.Path)
	if err != nil {
		log.Printf("open store: %v", err)
		return 1
	}
	defer store.Close()

	srv := server.NewServer(cfg, store)
	defer srv.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Printf("server: %v", err)
		return 1
	case sig := <-sigc:
		cfg.Log(1, "shutting down on %v", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
			return 1
		}
		return 0
	}
}
