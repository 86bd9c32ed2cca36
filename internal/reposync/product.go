package reposync

import (
	"context"
	"log/slog"
	"sort"

	"github.com/clean-dependency-project/sumirror/internal/catalog"
	"github.com/clean-dependency-project/sumirror/internal/replicate"
	"github.com/clean-dependency-project/sumirror/internal/storage"
)

// syncProduct replicates one product's assets and refreshes its record.
// Asset failures are logged and counted; a product whose distribution
// cannot be obtained or parsed keeps its previous record.
func (s *Syncer) syncProduct(ctx context.Context, r *run, catalogURL, id string, entry catalog.Product) {
	log := s.logger.With("product", id, "catalog", catalogURL)

	p := r.products[id]
	if p == nil {
		p = &storage.Product{ID: id}
		r.products[id] = p
	}
	p.AppleCatalogs = []string{catalogURL}

	metadataOpts := replicate.Options{
		CopyOnlyIfMissing: r.opts.FastScan,
		OnlyIfNewer:       true,
	}
	packageOpts := replicate.Options{
		CopyOnlyIfMissing: r.opts.FastScan,
		OnlyIfNewer:       true,
		AllowResume:       true,
	}

	if entry.ServerMetadataURL != "" {
		s.replicateAsset(ctx, r, log, entry.ServerMetadataURL, metadataOpts)
	}
	var size int64
	for _, pkg := range entry.Packages {
		size += pkg.Size
		if s.settings.DownloadPackages && pkg.URL != "" {
			s.replicateAsset(ctx, r, log, pkg.URL, packageOpts)
		}
		if pkg.MetadataURL != "" {
			s.replicateAsset(ctx, r, log, pkg.MetadataURL, metadataOpts)
		}
		if pkg.IntegrityDataURL != "" {
			s.replicateAsset(ctx, r, log, pkg.IntegrityDataURL, metadataOpts)
		}
	}

	lang, distPath, ok := s.replicateDistribution(ctx, r, log, entry.Distributions, metadataOpts)
	if !ok {
		r.summary.ProductsSkipped++
		log.Warn("product skipped: no distribution could be replicated",
			"languages", sortedKeys(entry.Distributions))
		return
	}

	dist, err := catalog.ParseDistributionFile(distPath)
	if err != nil {
		r.summary.ProductsSkipped++
		log.Warn("product skipped: unreadable distribution", "path", distPath, "language", lang, "error", err)
		return
	}

	p.Title = dist.Title
	p.Version = dist.Version
	p.Description = dist.Description
	p.Size = size
	p.PostDate = entry.PostDate
	p.PkgRefs = dist.PackageRefs
	e := entry
	p.CatalogEntry = &e
	r.downloaded[id] = true
	r.summary.Products++

	log.Info("product replicated", "title", p.Title, "version", p.Version, "language", lang, "size", size)
}

// replicateDistribution mirrors the distribution documents and returns the
// language and local path of the one to parse. The preferred language is
// tried first, then English, then en.
func (s *Syncer) replicateDistribution(ctx context.Context, r *run, log *slog.Logger, dists map[string]string, opts replicate.Options) (string, string, bool) {
	languages := sortedKeys(dists)
	preferred := catalog.SelectLanguage(languages, s.resolver, s.settings.PreferredLocalizations)

	attempted := make(map[string]string)
	try := func(lang string) string {
		if path, ok := attempted[lang]; ok {
			return path
		}
		path, _ := s.replicateAsset(ctx, r, log.With("language", lang), dists[lang], opts)
		attempted[lang] = path
		return path
	}

	if !r.opts.FastScan {
		for _, lang := range languages {
			try(lang)
		}
	}

	for _, lang := range []string{preferred, catalog.FallbackLanguage, catalog.FallbackLanguageCode} {
		if lang == "" {
			continue
		}
		if _, ok := dists[lang]; !ok {
			continue
		}
		if path := try(lang); path != "" {
			if lang != preferred {
				log.Info("using fallback distribution", "language", lang, "preferred", preferred)
			}
			return lang, path, true
		}
	}
	return "", "", false
}

// replicateAsset mirrors one URL, logging and counting any failure.
func (s *Syncer) replicateAsset(ctx context.Context, r *run, log *slog.Logger, rawURL string, opts replicate.Options) (string, bool) {
	path, err := s.replicator.Replicate(ctx, rawURL, opts)
	if err != nil {
		r.summary.AssetFailures++
		log.Warn("asset not replicated",
			"url", rawURL,
			"filesystem", replicate.IsFilesystemError(err),
			"error", err)
		return "", false
	}
	return path, true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
