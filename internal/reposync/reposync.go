// Package reposync drives a mirror run: it walks the configured catalogs,
// replicates their products and keeps the persisted product index, ETag
// cache and download status current.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/clean-dependency-project/sumirror/internal/catalog"
	"github.com/clean-dependency-project/sumirror/internal/fetch"
	"github.com/clean-dependency-project/sumirror/internal/logger"
	"github.com/clean-dependency-project/sumirror/internal/replicate"
	"github.com/clean-dependency-project/sumirror/internal/storage"
)

// Preconditions. These are the only errors that stop a run.
var (
	ErrNoReplicator = errors.New("reposync: no replicator configured")
	ErrNoStore      = errors.New("reposync: no store configured")
	ErrLocked       = errors.New("reposync: another sync run holds the lock")
)

const (
	// RawCatalogSuffix marks the verbatim upstream copy of a catalog. The
	// filtered view is written at the same path without it.
	RawCatalogSuffix = ".apple"
	lockFileName     = ".sumirror.lock"
)

// Replicator is the part of replicate.Replicator the run needs.
type Replicator interface {
	Replicate(ctx context.Context, rawURL string, opts replicate.Options) (string, error)
	LocalPath(rawURL, suffix string) (string, error)
	RelativePath(rawURL string) (string, error)
}

// Store persists run state. storage.DB implements it.
type Store interface {
	LoadProducts() (map[string]*storage.Product, error)
	SaveProducts(map[string]*storage.Product) error
	LoadETags() (map[string]string, error)
	SaveETags(map[string]string) error
	LoadDownloadStatus() ([]string, error)
	SaveDownloadStatus([]string) error
}

// Settings configures a Syncer.
type Settings struct {
	Catalogs []string
	// MetadataDir holds the run lock and the scratch directory.
	MetadataDir string
	// LocalCatalogURLBase, when set, is the URL prefix filtered catalogs
	// point assets at.
	LocalCatalogURLBase    string
	DownloadPackages       bool
	PreferredLocalizations []string
	Filter                 catalog.ProductFilter
	// ETags is the validator cache the fetcher consults. Persisted entries
	// are merged into it when a run starts and it is saved after every
	// catalog.
	ETags fetch.ETagCache
}

// RunOptions controls one run.
type RunOptions struct {
	// FastScan skips assets that already exist locally and replicates only
	// the preferred distribution.
	FastScan bool
	// ProductIDs extends the configured product filter.
	ProductIDs []string
}

// Summary reports the outcome of a run. Errors collects every catalog
// level failure and persistence failure.
type Summary struct {
	Sources         int
	SourcesFailed   int
	Products        int
	ProductsSkipped int
	AssetFailures   int
	Duration        time.Duration
	Errors          *multierror.Error
}

// Err returns the collected failures, or nil.
func (s *Summary) Err() error {
	return s.Errors.ErrorOrNil()
}

// Syncer runs mirror syncs. It is not safe for concurrent use; the file
// lock keeps separate processes apart.
type Syncer struct {
	settings   Settings
	replicator Replicator
	store      Store
	resolver   catalog.Resolver
	logger     *slog.Logger
}

// New creates a Syncer. resolver supplies the platform language signal and
// may be nil.
func New(settings Settings, replicator Replicator, store Store, resolver catalog.Resolver, log *slog.Logger) *Syncer {
	if settings.ETags == nil {
		settings.ETags = make(fetch.ETagCache)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Syncer{
		settings:   settings,
		replicator: replicator,
		store:      store,
		resolver:   resolver,
		logger:     log,
	}
}

// run is the state of one Run.
type run struct {
	opts       RunOptions
	filter     catalog.ProductFilter
	products   map[string]*storage.Product
	downloaded map[string]bool
	// seen maps product ids handled this run to the catalog that first
	// referenced them.
	seen    map[string]string
	scratch *storage.ScratchDir
	summary *Summary
}

// Run performs one sync. It returns an error only when a precondition
// fails; every other failure is logged, collected in the summary, and
// skips the affected asset, product or catalog.
func (s *Syncer) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	if s.replicator == nil {
		return nil, ErrNoReplicator
	}
	if s.store == nil {
		return nil, ErrNoStore
	}

	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	scratch, err := storage.NewScratchDir(s.settings.MetadataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := scratch.Remove(); err != nil {
			s.logger.Warn("failed to remove scratch directory", "path", scratch.Path(), "error", err)
		}
	}()

	r, err := s.loadState()
	if err != nil {
		return nil, err
	}
	r.opts = opts
	r.filter = s.settings.Filter.With(opts.ProductIDs...)
	r.scratch = scratch

	started := time.Now()
	s.logger.Info("sync started",
		"catalogs", len(s.settings.Catalogs),
		"products_known", len(r.products),
		"fast_scan", opts.FastScan)

	for _, catalogURL := range s.settings.Catalogs {
		if err := ctx.Err(); err != nil {
			r.summary.Errors = multierror.Append(r.summary.Errors, err)
			break
		}
		r.summary.Sources++
		if err := s.syncSource(ctx, r, catalogURL); err != nil {
			r.summary.SourcesFailed++
			r.summary.Errors = multierror.Append(r.summary.Errors, err)
			s.logger.Error("catalog skipped", "catalog", catalogURL, "error", err)
		}
		if err := s.persist(r); err != nil {
			r.summary.Errors = multierror.Append(r.summary.Errors, err)
			s.logger.Error("failed to persist state", "catalog", catalogURL, "error", err)
		}
	}

	// Finalize runs even when every catalog failed, so membership changes
	// from this run are never lost.
	if err := s.persist(r); err != nil {
		r.summary.Errors = multierror.Append(r.summary.Errors, err)
		s.logger.Error("failed to persist final state", "error", err)
	}

	r.summary.Duration = time.Since(started)
	s.logger.Info("sync finished",
		"sources", r.summary.Sources,
		"sources_failed", r.summary.SourcesFailed,
		"products", r.summary.Products,
		"products_skipped", r.summary.ProductsSkipped,
		"asset_failures", r.summary.AssetFailures,
		"scratch_age", scratch.Age(),
		"duration", r.summary.Duration)
	return r.summary, nil
}

// lock takes the run lock in the metadata directory.
func (s *Syncer) lock() (func(), error) {
	if err := os.MkdirAll(s.settings.MetadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	fl := flock.New(filepath.Join(s.settings.MetadataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, fl.Path())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release lock", "path", fl.Path(), "error", err)
		}
	}, nil
}

// loadState reads the persisted state and resets current catalog
// membership, which every run recomputes from scratch.
func (s *Syncer) loadState() (*run, error) {
	products, err := s.store.LoadProducts()
	if err != nil {
		return nil, fmt.Errorf("failed to load product index: %w", err)
	}
	etags, err := s.store.LoadETags()
	if err != nil {
		return nil, fmt.Errorf("failed to load etag cache: %w", err)
	}
	status, err := s.store.LoadDownloadStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to load download status: %w", err)
	}

	for url, tag := range etags {
		if _, ok := s.settings.ETags[url]; !ok {
			s.settings.ETags[url] = tag
		}
	}
	for _, p := range products {
		p.AppleCatalogs = nil
	}
	downloaded := make(map[string]bool, len(status))
	for _, id := range status {
		downloaded[id] = true
	}

	return &run{
		products:   products,
		downloaded: downloaded,
		seen:       make(map[string]string),
		summary:    &Summary{},
	}, nil
}

// persist folds current membership into the historic membership and
// saves everything. It is called after every catalog and once more at the
// end of the run.
func (s *Syncer) persist(r *run) error {
	for _, p := range r.products {
		if len(p.AppleCatalogs) > 0 {
			p.OriginalAppleCatalogs = union(p.OriginalAppleCatalogs, p.AppleCatalogs)
		}
	}

	status := make([]string, 0, len(r.downloaded))
	for id, ok := range r.downloaded {
		if ok {
			status = append(status, id)
		}
	}
	sort.Strings(status)

	var errs *multierror.Error
	if err := s.store.SaveDownloadStatus(status); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.store.SaveETags(s.settings.ETags); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.store.SaveProducts(r.products); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// union appends the entries of add missing from base, keeping order.
func union(base, add []string) []string {
	out := append([]string(nil), base...)
	have := make(map[string]struct{}, len(base)+len(add))
	for _, v := range base {
		have[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := have[v]; ok {
			continue
		}
		have[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
