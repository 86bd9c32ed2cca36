package reposync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clean-dependency-project/sumirror/internal/catalog"
	"github.com/clean-dependency-project/sumirror/internal/replicate"
)

// archiveTimeLayout names archived catalog copies by their modification
// time, in UTC.
const archiveTimeLayout = "2006-01-02-150405"

// syncSource processes one catalog. A returned error means the catalog
// was skipped or its filtered view could not be written.
func (s *Syncer) syncSource(ctx context.Context, r *run, catalogURL string) error {
	log := s.logger.With("catalog", catalogURL)

	rawPath, err := s.replicator.LocalPath(catalogURL, RawCatalogSuffix)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", catalogURL, err)
	}
	archived, err := archive(rawPath)
	if err != nil {
		return fmt.Errorf("catalog %s: failed to archive %s: %w", catalogURL, rawPath, err)
	}
	if archived != "" {
		log.Debug("archived previous catalog", "path", archived)
	}

	if _, err := s.replicator.Replicate(ctx, catalogURL, replicate.Options{
		OnlyIfNewer: true,
		Suffix:      RawCatalogSuffix,
	}); err != nil {
		return fmt.Errorf("catalog %s: %w", catalogURL, err)
	}

	cat, err := catalog.ParseFile(rawPath)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", catalogURL, err)
	}
	log.Info("catalog loaded", "path", rawPath, "products", len(cat.Products))

	ids := make([]string, 0, len(cat.Products))
	for id := range cat.Products {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("catalog %s: %w", catalogURL, err)
		}
		_, seen := r.seen[id]
		if seen || !r.filter.Allows(id) {
			// membership only: replicated from an earlier catalog this run,
			// or filtered out of this run but still published
			if p := r.products[id]; p != nil {
				p.AppleCatalogs = union(p.AppleCatalogs, []string{catalogURL})
			}
			continue
		}
		r.seen[id] = catalogURL
		s.syncProduct(ctx, r, catalogURL, id, cat.Products[id])
	}

	return s.writeLocalCatalog(r, catalogURL, cat)
}

// writeLocalCatalog renders the view of cat clients are served: only
// products whose assets were replicated, in this run or an earlier one,
// optionally pointing at the mirror.
func (s *Syncer) writeLocalCatalog(r *run, catalogURL string, cat *catalog.Catalog) error {
	dest, err := s.replicator.LocalPath(catalogURL, "")
	if err != nil {
		return fmt.Errorf("catalog %s: %w", catalogURL, err)
	}
	err = catalog.WriteFiltered(cat, dest, catalog.FilterOptions{
		Keep: func(id string) bool {
			return r.downloaded[id]
		},
		Rewrite:         s.rewriter(),
		RewritePackages: s.settings.DownloadPackages,
		StagingDir:      r.scratch.Catalogs(),
	})
	if err != nil {
		return fmt.Errorf("catalog %s: %w", catalogURL, err)
	}
	s.logger.Debug("wrote local catalog", "catalog", catalogURL, "path", dest)
	return nil
}

// rewriter maps upstream URLs to the mirror, or returns nil when no local
// base URL is configured.
func (s *Syncer) rewriter() func(string) string {
	base := strings.TrimRight(s.settings.LocalCatalogURLBase, "/")
	if base == "" {
		return nil
	}
	return func(rawURL string) string {
		rel, err := s.replicator.RelativePath(rawURL)
		if err != nil {
			return rawURL
		}
		return base + "/" + rel
	}
}

// archive copies path to path.<mtime> with the modification time kept and
// returns the copy's path. It does nothing when path does not exist or the
// copy is already there.
func archive(path string) (string, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	mtime := fi.ModTime()
	archived := path + "." + mtime.UTC().Format(archiveTimeLayout)
	if _, err := os.Stat(archived); err == nil {
		return archived, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", err
	}
	if err := tmp.Chmod(fi.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chtimes(tmp.Name(), mtime, mtime); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), archived); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return archived, nil
}
