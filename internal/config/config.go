// Package config provides configuration management for the update mirror.
// It handles the YAML preferences file: catalog sources, storage locations,
// mirroring policy and transfer tuning.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedVersions is the constraint the configuration version must meet.
const SupportedVersions = "^1"

// Defaults applied when a value is empty or unparseable.
const (
	DefaultUserAgent      = "sumirror/1.0"
	DefaultConnectTimeout = 30 * time.Second
	DefaultLowSpeedLimit  = 1024
	DefaultLowSpeedTime   = 30 * time.Second
	defaultDatabaseName   = "sumirror.db"
)

// Sentinel errors for configuration validation
var (
	ErrVersionRequired     = errors.New("version is required")
	ErrUnsupportedVersion  = errors.New("unsupported configuration version")
	ErrNoCatalogs          = errors.New("at least one catalog URL must be configured")
	ErrInvalidURL          = errors.New("URL must be absolute http or https")
	ErrDuplicateCatalog    = errors.New("catalog URL listed more than once")
	ErrUpdatesRootRequired = errors.New("storage.updates_root_dir is required")
	ErrMetadataDirRequired = errors.New("storage.updates_metadata_dir is required")
)

// Config represents the top-level configuration structure.
type Config struct {
	Version  string        `yaml:"version"`
	Metadata Metadata      `yaml:"metadata"`
	Catalogs []string      `yaml:"catalogs"`
	Storage  StorageConfig `yaml:"storage"`
	Mirror   MirrorConfig  `yaml:"mirror"`
	Fetch    FetchConfig   `yaml:"fetch"`
}

// Metadata represents metadata about the configuration.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// StorageConfig locates the mirror tree and the persisted run state.
type StorageConfig struct {
	UpdatesRootDir     string `yaml:"updates_root_dir"`
	UpdatesMetadataDir string `yaml:"updates_metadata_dir"`
	DatabasePath       string `yaml:"database_path"`
}

// GetDatabasePath returns the database path, defaulting to a file in the
// metadata directory.
func (s *StorageConfig) GetDatabasePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.UpdatesMetadataDir, defaultDatabaseName)
}

// MirrorConfig controls what is mirrored and how the local view is served.
type MirrorConfig struct {
	// BaseURL is stripped from URLs that start with it when mapping them
	// into the mirror tree.
	BaseURL string `yaml:"base_url"`
	// LocalCatalogURLBase is the URL the mirror is served under. When set,
	// the filtered catalogs point clients at the mirror.
	LocalCatalogURLBase    string   `yaml:"local_catalog_url_base"`
	DownloadPackages       *bool    `yaml:"download_packages,omitempty"`
	PreferredLocalizations []string `yaml:"preferred_localizations"`
	ProductFilterFile      string   `yaml:"product_filter_file"` // JSON or YAML list of product ids to mirror
}

// ShouldDownloadPackages reports whether package payloads are replicated.
// Defaults to true.
func (m *MirrorConfig) ShouldDownloadPackages() bool {
	if m.DownloadPackages == nil {
		return true
	}
	return *m.DownloadPackages
}

// GetPreferredLocalizations returns the configured language preference
// list, defaulting to English.
func (m *MirrorConfig) GetPreferredLocalizations() []string {
	if len(m.PreferredLocalizations) == 0 {
		return []string{"English", "en"}
	}
	return m.PreferredLocalizations
}

// FetchConfig tunes individual transfers.
type FetchConfig struct {
	UserAgent      string `yaml:"user_agent"`
	ConnectTimeout string `yaml:"connect_timeout"`
	LowSpeedLimit  int64  `yaml:"low_speed_limit"` // bytes per second
	LowSpeedTime   string `yaml:"low_speed_time"`
}

// GetUserAgent returns the User-Agent header value
func (f *FetchConfig) GetUserAgent() string {
	if f.UserAgent == "" {
		return DefaultUserAgent
	}
	return f.UserAgent
}

// GetConnectTimeout parses and returns the connect timeout duration
func (f *FetchConfig) GetConnectTimeout() time.Duration {
	return parseDurationOr(f.ConnectTimeout, DefaultConnectTimeout)
}

// GetLowSpeedTime parses and returns the stall detection window
func (f *FetchConfig) GetLowSpeedTime() time.Duration {
	return parseDurationOr(f.LowSpeedTime, DefaultLowSpeedTime)
}

// GetLowSpeedLimit returns the minimum throughput in bytes per second
func (f *FetchConfig) GetLowSpeedLimit() int64 {
	if f.LowSpeedLimit <= 0 {
		return DefaultLowSpeedLimit
	}
	return f.LowSpeedLimit
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def // Default on parse error
	}
	return d
}

// LoadConfig loads and parses the preferences from a YAML file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return ErrVersionRequired
	}
	if err := checkVersion(c.Version); err != nil {
		return err
	}

	if len(c.Catalogs) == 0 {
		return ErrNoCatalogs
	}
	seen := make(map[string]struct{}, len(c.Catalogs))
	for _, raw := range c.Catalogs {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("catalog %q: %w", raw, err)
		}
		if _, dup := seen[raw]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCatalog, raw)
		}
		seen[raw] = struct{}{}
	}

	if c.Storage.UpdatesRootDir == "" {
		return ErrUpdatesRootRequired
	}
	if c.Storage.UpdatesMetadataDir == "" {
		return ErrMetadataDirRequired
	}

	if c.Mirror.LocalCatalogURLBase != "" {
		if err := validateURL(c.Mirror.LocalCatalogURLBase); err != nil {
			return fmt.Errorf("mirror.local_catalog_url_base: %w", err)
		}
	}
	return nil
}

func checkVersion(v string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", SupportedVersions, err)
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, v, SupportedVersions)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// DefaultConfig returns a default configuration mirroring the public
// software update catalogs.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Metadata: Metadata{
			Name:        "sumirror",
			Description: "Software update catalog mirror",
		},
		Catalogs: []string{
			"https://swscan.apple.com/content/catalogs/index.sucatalog",
			"https://swscan.apple.com/content/catalogs/others/index-14-13-12-10.16-10.15-10.14-10.13-10.12-10.11-10.10-10.9-mountainlion-lion-snowleopard-leopard.merged-1.sucatalog",
		},
		Storage: StorageConfig{
			UpdatesRootDir:     "/srv/sumirror/html",
			UpdatesMetadataDir: "/srv/sumirror/metadata",
		},
		Mirror: MirrorConfig{
			PreferredLocalizations: []string{"English", "en"},
		},
		Fetch: FetchConfig{
			UserAgent:      DefaultUserAgent,
			ConnectTimeout: DefaultConnectTimeout.String(),
			LowSpeedLimit:  DefaultLowSpeedLimit,
			LowSpeedTime:   DefaultLowSpeedTime.String(),
		},
	}
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}
