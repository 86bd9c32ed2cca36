// Package replicate mirrors remote URLs into a local directory tree whose
// layout follows the URL path.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/clean-dependency-project/sumirror/internal/fetch"
)

// Sentinel errors
var (
	ErrEmptyURL = errors.New("replicate: empty URL")
	ErrNoPath   = errors.New("replicate: URL has no path to mirror")
)

// Fetcher is the part of fetch.Fetcher the replicator needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string, opts fetch.Options) (*fetch.Headers, error)
}

// Options controls one replication.
type Options struct {
	// CopyOnlyIfMissing returns immediately, without any network call, when
	// the mirrored file already exists.
	CopyOnlyIfMissing bool
	AllowResume       bool
	OnlyIfNewer       bool
	// Suffix is appended to the mirrored file name.
	Suffix string
}

// Error is a replication failure for one URL. It unwraps to the cause.
type Error struct {
	URL  string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to replicate %s to %s: %v", e.URL, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Replicator maps URLs to files under Root and fetches them there.
type Replicator struct {
	root    string
	baseURL string
	fetcher Fetcher
	logger  *slog.Logger
}

// New creates a Replicator. baseURL, when non-empty, is stripped from URLs
// that start with it; other URLs lose their scheme and host instead.
func New(root, baseURL string, fetcher Fetcher, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replicator{root: root, baseURL: baseURL, fetcher: fetcher, logger: logger}
}

// Root returns the mirror root directory.
func (r *Replicator) Root() string { return r.root }

// RelativePath returns the slash-separated, cleaned path of rawURL relative
// to the mirror root. The same URL always yields the same path.
func (r *Replicator) RelativePath(rawURL string) (string, error) {
	if rawURL == "" {
		return "", ErrEmptyURL
	}
	var rel string
	if r.baseURL != "" && strings.HasPrefix(rawURL, r.baseURL) {
		rel = strings.TrimPrefix(rawURL, r.baseURL)
		if i := strings.IndexAny(rel, "?#"); i >= 0 {
			rel = rel[:i]
		}
	} else {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("failed to parse URL %q: %w", rawURL, err)
		}
		rel = u.Path
	}
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPath, rawURL)
	}
	return rel, nil
}

// LocalPath returns the mirrored file path for rawURL, with suffix appended.
func (r *Replicator) LocalPath(rawURL, suffix string) (string, error) {
	rel, err := r.RelativePath(rawURL)
	if err != nil {
		return "", err
	}
	p, err := securejoin.SecureJoin(r.root, filepath.FromSlash(rel))
	if err != nil {
		return "", fmt.Errorf("failed to map %s under %s: %w", rawURL, r.root, err)
	}
	return p + suffix, nil
}

// Replicate mirrors rawURL and returns the local path.
func (r *Replicator) Replicate(ctx context.Context, rawURL string, opts Options) (string, error) {
	local, err := r.LocalPath(rawURL, opts.Suffix)
	if err != nil {
		return "", &Error{URL: rawURL, Err: err}
	}

	if opts.CopyOnlyIfMissing {
		if fi, err := os.Stat(local); err == nil && fi.Mode().IsRegular() {
			r.logger.Debug("already mirrored, skipping", "url", rawURL, "path", local)
			return local, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", &Error{URL: rawURL, Path: local, Err: err}
	}

	headers, err := r.fetcher.Fetch(ctx, rawURL, local, fetch.Options{
		OnlyIfNewer: opts.OnlyIfNewer,
		AllowResume: opts.AllowResume,
	})
	if err != nil {
		return "", &Error{URL: rawURL, Path: local, Err: err}
	}
	r.logger.Debug("replicated",
		"url", rawURL,
		"path", local,
		"code", headers.Code)
	return local, nil
}

// IsFilesystemError reports whether err stems from a local filesystem
// operation rather than the network.
func IsFilesystemError(err error) bool {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr)
}
