// Package cli provides the command-line interface for the update mirror.
// It loads the YAML preferences file and wires the fetch, replicate and
// reposync layers together.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/sumirror/internal/catalog"
	"github.com/clean-dependency-project/sumirror/internal/config"
	"github.com/clean-dependency-project/sumirror/internal/fetch"
	"github.com/clean-dependency-project/sumirror/internal/replicate"
	"github.com/clean-dependency-project/sumirror/internal/reposync"
	"github.com/clean-dependency-project/sumirror/internal/storage"
)

// ErrSyncIncomplete is returned by the sync command when the run finished
// but some catalog or state write failed.
var ErrSyncIncomplete = errors.New("sync finished with errors")

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:     "sumirror",
		Usage:    "Mirror software update catalogs and their products",
		Version:  "1.0.0",
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "sumirror.yaml",
				Usage:   "path to the mirror configuration file",
				EnvVars: []string{"SUMIRROR_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"SUMIRROR_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "json",
				Usage: "log format (json, text)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Replicate the configured catalogs and their products",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "fast-scan",
						Usage: "skip assets already mirrored and fetch only the preferred distribution",
					},
					&cli.StringSliceFlag{
						Name:    "product",
						Aliases: []string{"p"},
						Usage:   "product id to mirror, in addition to the product filter file (repeatable)",
					},
				},
				Action: syncCommand,
			},
			{
				Name:  "products",
				Usage: "List products in the local index",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "deprecated",
						Usage: "list only products no catalog references any more",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "output format (text, json)",
					},
				},
				Action: productsCommand,
			},
			{
				Name:  "config",
				Usage: "Manage the configuration file",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "Write a default configuration file",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "force",
								Usage: "overwrite an existing file",
							},
						},
						Action: configInitCommand,
					},
					{
						Name:   "validate",
						Usage:  "Load and validate the configuration file",
						Action: configValidateCommand,
					},
				},
			},
		},
	}
}

// initDB opens the state database named by the configuration.
func initDB(cfg *config.Config) (*storage.DB, error) {
	return storage.InitDB(storage.Config{
		DatabasePath: cfg.Storage.GetDatabasePath(),
		LogLevel:     "warn",
	})
}

// newSyncer builds the fetch, replicate and reposync stack for cfg.
func newSyncer(cfg *config.Config, db *storage.DB, filter catalog.ProductFilter, env *environment) *reposync.Syncer {
	etags := make(fetch.ETagCache)
	fetcher := fetch.New(
		fetch.NewHTTPExecutor(cfg.Fetch.GetConnectTimeout()),
		etags,
		fetch.Config{
			UserAgent:     cfg.Fetch.GetUserAgent(),
			LowSpeedLimit: cfg.Fetch.GetLowSpeedLimit(),
			LowSpeedTime:  cfg.Fetch.GetLowSpeedTime(),
		},
		env.logger.With("component", "fetch"),
	)
	replicator := replicate.New(cfg.Storage.UpdatesRootDir, cfg.Mirror.BaseURL, fetcher, env.logger.With("component", "replicate"))

	return reposync.New(reposync.Settings{
		Catalogs:               cfg.Catalogs,
		MetadataDir:            cfg.Storage.UpdatesMetadataDir,
		LocalCatalogURLBase:    cfg.Mirror.LocalCatalogURLBase,
		DownloadPackages:       cfg.Mirror.ShouldDownloadPackages(),
		PreferredLocalizations: cfg.Mirror.GetPreferredLocalizations(),
		Filter:                 filter,
		ETags:                  etags,
	}, replicator, db, catalog.EnvLocale{Lookup: env.lookupEnv}, env.logger.With("component", "reposync"))
}

// syncCommand implements the sync command.
func syncCommand(c *cli.Context) error {
	env, err := newEnvironment(c)
	if err != nil {
		return err
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}

	filter, err := catalog.LoadProductFilter(cfg.Mirror.ProductFilterFile)
	if err != nil {
		env.logger.Error("failed to load product filter", "path", cfg.Mirror.ProductFilterFile, "error", err)
		return fmt.Errorf("failed to load product filter: %w", err)
	}

	db, err := initDB(cfg)
	if err != nil {
		env.logger.Error("failed to initialize database", "error", err)
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			env.logger.Warn("failed to close database", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(runContext(c), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := newSyncer(cfg, db, filter, env).Run(ctx, reposync.RunOptions{
		FastScan:   c.Bool("fast-scan"),
		ProductIDs: c.StringSlice("product"),
	})
	if err != nil {
		env.logger.Error("sync failed", "error", err)
		return fmt.Errorf("sync failed: %w", err)
	}

	printSummary(c.App.Writer, summary)
	if err := summary.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncIncomplete, err)
	}
	return nil
}

// productsCommand implements the products command.
func productsCommand(c *cli.Context) error {
	outputFormat := c.String("output")
	if outputFormat != "text" && outputFormat != "json" {
		return fmt.Errorf("invalid output format %q (use text or json)", outputFormat)
	}

	env, err := newEnvironment(c)
	if err != nil {
		return err
	}
	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	db, err := initDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			env.logger.Warn("failed to close database", "error", closeErr)
		}
	}()

	deprecated := c.Bool("deprecated")
	if outputFormat == "json" {
		data, err := db.ExportProductsJSON(deprecated)
		if err != nil {
			return fmt.Errorf("failed to export products: %w", err)
		}
		_, err = fmt.Fprintln(c.App.Writer, string(data))
		return err
	}

	var products []*storage.Product
	if deprecated {
		products, err = db.ListDeprecated()
	} else {
		products, err = db.ListProducts()
	}
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	return printProducts(c.App.Writer, products)
}

// configInitCommand writes DefaultConfig to the --config path.
func configInitCommand(c *cli.Context) error {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return err
}

// configValidateCommand loads the --config path and reports the result.
func configValidateCommand(c *cli.Context) error {
	env, err := newEnvironment(c)
	if err != nil {
		return err
	}
	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "%s: %d catalogs, mirror root %s\n",
		c.String("config"), len(cfg.Catalogs), cfg.Storage.UpdatesRootDir)
	return err
}

// runContext returns the context commands run under.
func runContext(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}
