// cmd/site/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"libralink/internal/catalog"
	"libralink/internal/config"
	"libralink/internal/site"
	"libralink/internal/telemetry"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "site",
		Short:        "Storage manager for one library site",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv("LIBRALINK_CONFIG", "configs/libralink.yaml"), "topology file")

	var name string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the client, replication and heartbeat channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			sc, err := cfg.Site(name)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Setup(ctx, "libralink-site-"+name, cfg.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer shutdown(context.Background())

			s, err := site.New(ctx, cfg, name)
			if err != nil {
				return err
			}
			ls, err := site.Listen(sc)
			if err != nil {
				s.Close()
				return err
			}
			log.SetPrefix(fmt.Sprintf("[GA-%s] ", name))
			return s.Serve(ctx, ls)
		},
	}
	serve.Flags().StringVarP(&name, "site", "s", getEnv("LIBRALINK_SITE", "SedeA"), "site name from the topology")

	var from string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Copy a pipe-delimited catalog file into a site's sqlite catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			sc, err := cfg.Site(name)
			if err != nil {
				return err
			}
			if sc.Catalog.Backend != config.CatalogSQLite {
				return fmt.Errorf("site %s uses the %s catalog backend, import needs sqlite", name, sc.Catalog.Backend)
			}

			records, err := catalog.NewTextFile(from, "").Load()
			if err != nil {
				return err
			}
			db, err := catalog.NewSQLite(sc.Catalog.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := catalog.Import(db, records); err != nil {
				return err
			}
			fmt.Printf("Imported %d books into %s\n", len(records), sc.Catalog.Path)
			return nil
		},
	}
	importCmd.Flags().StringVarP(&name, "site", "s", getEnv("LIBRALINK_SITE", "SedeA"), "site name from the topology")
	importCmd.Flags().StringVar(&from, "from", "", "catalog text file to import")
	importCmd.MarkFlagRequired("from")

	root.AddCommand(serve, importCmd)
	if err := root.Execute(); err != nil {
		log.Fatalf("site: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
