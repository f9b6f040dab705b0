// cmd/gateway/main.go
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"libralink/internal/bus"
	"libralink/internal/config"
	"libralink/internal/gateway"
	"libralink/internal/telemetry"
)

func main() {
	var configPath, addr string

	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Acknowledge client operations and publish them on the event bus",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", getEnv("LIBRALINK_CONFIG", "configs/libralink.yaml"), "topology file")
	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides the topology and PORT)")

	if err := root.Execute(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.SetPrefix("[gateway] ")

	shutdown, err := telemetry.Setup(ctx, "libralink-gateway", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	nc, err := bus.Connect(cfg.NATSURL, "libralink-gateway")
	if err != nil {
		return err
	}
	defer nc.Close()

	var limiter *rate.Limiter
	if cfg.Gateway.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Gateway.RateLimit), cfg.Gateway.Burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	gateway.NewHandler(nc, limiter).Routes(r)

	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: r}
	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s, publishing to %s", cfg.Gateway.Addr, cfg.NATSURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
