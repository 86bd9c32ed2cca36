package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/sumirror/internal/config"
	"github.com/clean-dependency-project/sumirror/internal/logger"
)

// environment carries what every command needs: a logger writing to the
// app's error stream and the process environment.
type environment struct {
	configPath string
	logger     *slog.Logger
	lookupEnv  func(string) (string, bool)
}

// newEnvironment builds the command logger from the global flags. Logs go
// to stderr so stdout stays clean for command output.
func newEnvironment(c *cli.Context) (*environment, error) {
	log, err := logger.New(c.String("log-level"), c.String("log-format"), c.App.ErrWriter)
	if err != nil {
		return nil, fmt.Errorf("invalid logging flags: %w", err)
	}
	return &environment{
		configPath: c.String("config"),
		logger:     log,
		lookupEnv:  os.LookupEnv,
	}, nil
}

// loadConfig loads and validates the configuration file, logging failures.
func (e *environment) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(e.configPath)
	if err != nil {
		e.logger.Error("failed to load config", "path", e.configPath, "error", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e.logger.Debug("loaded config",
		"path", e.configPath,
		"name", cfg.Metadata.Name,
		"catalogs", len(cfg.Catalogs))
	return cfg, nil
}
