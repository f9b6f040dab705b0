// cmd/actor/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"libralink/internal/actor"
	"libralink/internal/bus"
	"libralink/internal/clients"
	"libralink/internal/config"
	"libralink/internal/dispatch"
	"libralink/internal/idempotency"
	"libralink/internal/journal"
	"libralink/internal/telemetry"
)

func main() {
	var configPath, natsURL string

	root := &cobra.Command{
		Use:          "actor",
		Short:        "Consume operation events and deliver them to a site with failover",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			if natsURL != "" {
				cfg.NATSURL = natsURL
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv("LIBRALINK_CONFIG", "configs/libralink.yaml"), "topology file")
	root.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (overrides the topology)")

	unresolved := &cobra.Command{
		Use:   "unresolved",
		Short: "List operations no site could take",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			entries, err := dispatch.ReadUnresolved(cfg.Actor.UnresolvedPath)
			if err != nil {
				return err
			}
			printUnresolved(cmd.OutOrStdout(), cfg.Actor.UnresolvedPath, entries)
			return nil
		},
	}
	root.AddCommand(unresolved)

	if err := root.Execute(); err != nil {
		log.Fatalf("actor: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.SetPrefix("[actor] ")

	shutdown, err := telemetry.Setup(ctx, "libralink-actor", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	unresolved, err := journal.Open(cfg.Actor.UnresolvedPath)
	if err != nil {
		return err
	}
	defer unresolved.Close()
	processed, err := journal.Open(cfg.Actor.ProcessedPath)
	if err != nil {
		return err
	}
	defer processed.Close()

	hc := &http.Client{}
	var sites []dispatch.Site
	for _, u := range cfg.ClientURLs() {
		sites = append(sites, clients.NewSiteClient(u, hc))
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Timeout: cfg.Timing.DispatchTimeout,
		Pause:   cfg.Timing.FailoverPause,
	}, sites, unresolved)
	if err != nil {
		return err
	}

	nc, err := bus.Connect(cfg.NATSURL, "libralink-actor")
	if err != nil {
		return err
	}
	defer nc.Close()
	sub, err := nc.Subscribe(cfg.Actor.Topics...)
	if err != nil {
		return err
	}
	defer sub.Close()

	a := actor.New(actor.Config{Topics: cfg.Actor.Topics, Workers: cfg.Actor.Workers},
		idempotency.New(cfg.Actor.CacheSize), dispatcher, processed)
	log.Printf("subscribed to %v on %s, delivering to %v", cfg.Actor.Topics, cfg.NATSURL, cfg.ClientURLs())

	err = a.Run(ctx, sub)
	if errors.Is(err, actor.ErrSubscriptionClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

func printUnresolved(w io.Writer, path string, entries []dispatch.UnresolvedEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No unresolved operations in %s\n", path)
		return
	}
	fmt.Fprintf(w, "%d unresolved operations in %s\n", len(entries), path)
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-12s %-8s id=%s sites=%s attempts=%d: %s\n",
			e.RecordedAt.Format(time.RFC3339), e.Kind, e.Envelope.Payload.Code,
			e.RequestID, strings.Join(e.Sites, ","), e.Attempts, e.Error)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
