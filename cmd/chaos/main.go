// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"libralink/internal/chaos"
	"libralink/internal/config"
	"libralink/internal/telemetry"
)

func main() {
	var configPath string
	opts := chaos.DefaultOptions()

	root := &cobra.Command{
		Use:          "chaos",
		Short:        "Run the fault-injection game day against two running sites",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", getEnv("LIBRALINK_CONFIG", "configs/libralink.yaml"), "topology file")
	root.Flags().DurationVar(&opts.Duration, "duration", opts.Duration, "how long each fault stays injected")
	root.Flags().DurationVar(&opts.Settle, "settle", opts.Settle, "how long to wait for recovery after rollback")
	root.Flags().StringVar(&opts.Book, "book", opts.Book, "book code present at both sites")
	root.Flags().IntVar(&opts.Concurrency, "concurrency", opts.Concurrency, "concurrent loans in the race experiment")

	if err := root.Execute(); err != nil {
		log.Fatalf("chaos: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, opts chaos.Options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.SetPrefix("[chaos] ")

	if len(cfg.Sites) < 2 {
		return fmt.Errorf("game day needs two sites, topology has %d", len(cfg.Sites))
	}
	shutdown, err := telemetry.Setup(ctx, "libralink-chaos", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	a := chaos.NewProbe(cfg.Sites[0].Name, cfg.Sites[0].ClientURL)
	b := chaos.NewProbe(cfg.Sites[1].Name, cfg.Sites[1].ClientURL)

	engine := chaos.NewEngine()
	engine.RegisterExperiments(a, b, opts)

	gameDay := chaos.GameDay{
		Name:      "Two-site partition game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     opts.Settle / 2,
	}

	failed, err := engine.ExecuteGameDay(ctx, gameDay, os.Stdout)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d experiments failed", failed, len(gameDay.Scenarios))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
