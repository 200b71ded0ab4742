package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/midstream-ai/midstream/internal/config"
	"github.com/midstream-ai/midstream/internal/handler"
	chatservice "github.com/midstream-ai/midstream/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := cfg.Store.NewStore()
	if err != nil {
		log.Fatalf("failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	registry, err := cfg.Providers.BuildRegistry(ctx)
	if err != nil {
		log.Fatalf("failed to build provider registry: %v", err)
	}
	log.Printf("providers ready: %d registered, default=%s", registry.Len(), registry.Default())

	chatSvc := chatservice.NewService(store, registry, cfg.Stream)

	router := handler.NewRouter(chatSvc, registry, cfg.Server.SSERetry)

	startServer(ctx, cfg.Server, router, chatSvc)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, chatSvc *chatservice.Service) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("midstream listening on %s", addr)
	if err := runServer(ctx, srv, chatSvc); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, chatSvc *chatservice.Service) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Stop running producers first so their final flushes land before
		// the listener closes.
		chatSvc.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
