// visitgraphd is the visit recorder daemon. It serves the HTTP API on top
// of a badger or in-memory storage engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/visitgraph/pkg/config"
	"github.com/orneryd/visitgraph/pkg/server"
	"github.com/orneryd/visitgraph/pkg/storage"
	"github.com/orneryd/visitgraph/pkg/visitgraph"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "visitgraphd",
		Short: "User visit graph recorder",
		Long: `visitgraphd records user site visits as a graph and serves them over HTTP.

Visits are coalesced: one node per user, one node per site, one edge per
(user, site) pair carrying the visit history at minute resolution.`,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("visitgraphd", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		engine     string
		dataDir    string
		warm       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags given explicitly win over file and environment.
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("engine") {
				cfg.Storage.Engine = engine
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Storage.DataDir = dataDir
			}
			if cmd.Flags().Changed("warm") {
				cfg.Cache.WarmOnStart = warm
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (default: auto-detect)")
	cmd.Flags().StringVar(&host, "host", getEnvStr("VISITGRAPH_HOST", "0.0.0.0"), "bind host")
	cmd.Flags().IntVarP(&port, "port", "p", getEnvInt("VISITGRAPH_PORT", 7171), "bind port")
	cmd.Flags().StringVar(&engine, "engine", getEnvStr("VISITGRAPH_STORAGE_ENGINE", "badger"), "storage engine (badger|memory)")
	cmd.Flags().StringVar(&dataDir, "data-dir", getEnvStr("VISITGRAPH_DATA_DIR", "./data"), "badger data directory")
	cmd.Flags().BoolVar(&warm, "warm", false, "warm identity caches from the store before serving")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.Load()
	}
	log.Printf("visitgraphd: using config %s", path)
	return config.LoadFromFile(path)
}

func runServe(cfg *config.Config) error {
	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}

	db, err := visitgraph.Open(engine, &visitgraph.Options{
		UserCacheSize:  cfg.Cache.UserEntries,
		SiteCacheSize:  cfg.Cache.SiteEntries,
		QueueCapacity:  cfg.Writer.QueueCapacity,
		FlushInterval:  cfg.Writer.FlushInterval,
		FlushChunkSize: cfg.Writer.FlushChunkSize,
	})
	if err != nil {
		engine.Close()
		return fmt.Errorf("open database: %w", err)
	}

	if cfg.Cache.WarmOnStart {
		users, sites, err := db.WarmCaches(context.Background())
		if err != nil {
			log.Printf("visitgraphd: cache warmup failed: %v", err)
		} else {
			log.Printf("visitgraphd: warmed caches: %d users, %d sites", users, sites)
		}
	}

	srv := server.New(server.Config{
		Addr:              cfg.ListenAddr(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		AdminUser:         cfg.Server.AdminUser,
		AdminPasswordHash: cfg.Server.AdminPasswordHash,
	}, db)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		db.Close()
		return err
	case sig := <-sigCh:
		log.Printf("visitgraphd: received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("visitgraphd: server shutdown: %v", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	log.Println("visitgraphd: shutdown complete")
	return nil
}

func openEngine(cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage.Engine {
	case "memory":
		log.Println("visitgraphd: using in-memory storage engine")
		return storage.NewMemoryEngine(), nil
	case "badger":
		log.Printf("visitgraphd: using badger storage engine at %s", cfg.Storage.DataDir)
		return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
		})
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

func getEnvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
