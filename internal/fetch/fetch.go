// Package fetch performs conditional, resumable HTTP retrievals into local
// files. A file only appears at its destination through an atomic rename
// of a fully received partial artifact.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// PartialSuffix is appended to a destination path for the in-progress artifact.
const PartialSuffix = ".download"

// ETagCache maps a source URL to the last validator token seen for it.
type ETagCache map[string]string

// Options controls one retrieval.
type Options struct {
	// OnlyIfNewer conditions the request on the destination's modification
	// time when no validator token is cached for the URL.
	OnlyIfNewer bool
	// AllowResume continues an existing partial artifact with a range request.
	AllowResume bool
}

// Config holds fetcher-wide settings.
type Config struct {
	UserAgent string
	// LowSpeedLimit is the minimum throughput in bytes per second that must
	// be sustained over each LowSpeedTime window. Zero disables the guard.
	LowSpeedLimit int64
	LowSpeedTime  time.Duration
}

// Fetcher is the conditional fetcher. It is not safe for concurrent use:
// the ETag cache is written without locking.
type Fetcher struct {
	exec   Executor
	cache  ETagCache
	cfg    Config
	logger *slog.Logger
}

// New creates a Fetcher. A nil cache starts empty.
func New(exec Executor, cache ETagCache, cfg Config, logger *slog.Logger) *Fetcher {
	if cache == nil {
		cache = make(ETagCache)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{exec: exec, cache: cache, cfg: cfg, logger: logger}
}

// Cache returns the validator cache for persistence.
func (f *Fetcher) Cache() ETagCache { return f.cache }

// PartialPath returns the in-progress artifact path for dest.
func PartialPath(dest string) string { return dest + PartialSuffix }

// Fetch retrieves rawURL into dest and returns the final response headers.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string, opts Options) (*Headers, error) {
	if f.exec == nil {
		return nil, ErrNoExecutor
	}
	partial := PartialPath(dest)

	var offset int64
	var partialModTime time.Time
	if opts.AllowResume {
		if fi, err := os.Stat(partial); err == nil && fi.Mode().IsRegular() {
			offset = fi.Size()
			partialModTime = fi.ModTime()
		}
	} else if err := removeIfExists(partial); err != nil {
		return nil, err
	}

	destInfo, statErr := os.Stat(dest)
	haveDest := statErr == nil && destInfo.Mode().IsRegular()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	// validators only describe a file we still have
	byDate := false
	if etag := f.cache[rawURL]; etag != "" && haveDest {
		req.Header.Set("If-None-Match", etag)
	} else if opts.OnlyIfNewer && haveDest {
		req.Header.Set("If-Modified-Since", destInfo.ModTime().UTC().Format(http.TimeFormat))
		byDate = true
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		// the partial carries the Last-Modified of the response that wrote
		// it; a changed resource answers 200 and the partial is rewritten
		req.Header.Set("If-Range", partialModTime.UTC().Format(http.TimeFormat))
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	headers := NewHeaders()
	body, err := f.exec.Execute(ctx, req, headers.ParseLine)
	if err != nil {
		return nil, f.transportFailure(rawURL, partial, opts.AllowResume, false, err)
	}
	defer func() { _ = body.Close() }()

	f.logger.Debug("response headers received",
		"url", rawURL,
		"code", headers.Code,
		"description", headers.Description,
		"resume_offset", offset)

	switch {
	case headers.Code == http.StatusNotModified:
		if err := removeIfExists(partial); err != nil {
			f.logger.Warn("failed to discard partial artifact", "path", partial, "error", err)
		}
		return headers, nil
	case headers.Code == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		return nil, f.transportFailure(rawURL, partial, opts.AllowResume, true,
			fmt.Errorf("range request from offset %d refused", offset))
	case headers.Successful():
		skipBody := false
		if headers.Code == http.StatusOK && byDate {
			// servers that compare dates themselves may still answer 200;
			// an unchanged Last-Modified means there is nothing new to read
			if lm, ok := headers.LastModified(); ok && !lm.After(destInfo.ModTime()) {
				skipBody = true
			}
		}
		return f.receive(ctx, cancel, rawURL, dest, body, headers, offset, opts, skipBody, haveDest, destInfo)
	default:
		f.purge(rawURL, dest, partial)
		return nil, &ProtocolError{URL: rawURL, Code: headers.Code, Description: headers.Description}
	}
}

func (f *Fetcher) receive(ctx context.Context, cancel context.CancelCauseFunc, rawURL, dest string, body io.Reader, headers *Headers,
	offset int64, opts Options, skipBody, haveDest bool, destInfo fs.FileInfo) (*Headers, error) {
	partial := PartialPath(dest)
	appending := headers.Code == http.StatusPartialContent && offset > 0

	expected, known := headers.ContentLength()
	if headers.Code == http.StatusPartialContent {
		expected, known = headers.ContentRangeTotal()
	}

	var written int64
	if !skipBody {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if appending {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		out, err := os.OpenFile(partial, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open partial artifact: %w", err)
		}
		written, err = io.Copy(out, f.guard(ctx, cancel, body))
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if lm, ok := headers.LastModified(); ok {
			if chErr := os.Chtimes(partial, lm, lm); chErr != nil {
				f.logger.Warn("failed to set modification time", "path", partial, "error", chErr)
			}
		}
		if err != nil {
			if errors.Is(context.Cause(ctx), ErrStalled) {
				err = ErrStalled
			}
			return nil, f.transportFailure(rawURL, partial, opts.AllowResume, false, err)
		}
	}

	if written == 0 && headers.Code == http.StatusOK && haveDest {
		if !known || expected == destInfo.Size() {
			if err := removeIfExists(partial); err != nil {
				f.logger.Warn("failed to discard partial artifact", "path", partial, "error", err)
			}
			f.logger.Debug("empty 200 matches existing file, treating as current", "url", rawURL, "path", dest)
			f.recordETag(rawURL, headers)
			return headers, nil
		}
		if skipBody {
			f.purge(rawURL, dest, partial)
			return nil, &ProtocolError{URL: rawURL, Code: headers.Code, Description: headers.Description}
		}
	}

	total := written
	if appending {
		total += offset
	}
	if known && total != expected {
		if !(opts.AllowResume && total < expected) {
			if err := removeIfExists(partial); err != nil {
				f.logger.Warn("failed to remove partial artifact", "path", partial, "error", err)
			}
		}
		return nil, &TransportError{
			URL: rawURL,
			Err: fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, total, expected),
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		return nil, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	if lm, ok := headers.LastModified(); ok {
		if err := os.Chtimes(dest, lm, lm); err != nil {
			f.logger.Warn("failed to set modification time", "path", dest, "error", err)
		}
	}
	f.recordETag(rawURL, headers)
	return headers, nil
}

// transportFailure removes the partial artifact unless it can be resumed.
func (f *Fetcher) transportFailure(rawURL, partial string, allowResume, rangeUnsupported bool, err error) error {
	if !allowResume || rangeUnsupported {
		if rmErr := removeIfExists(partial); rmErr != nil {
			f.logger.Warn("failed to remove partial artifact", "path", partial, "error", rmErr)
		}
	}
	return &TransportError{URL: rawURL, Err: err, RangeUnsupported: rangeUnsupported}
}

// purge removes the destination, the partial artifact and the cached
// validator, so the next fetch is unconditional.
func (f *Fetcher) purge(rawURL, dest, partial string) {
	delete(f.cache, rawURL)
	for _, p := range []string{partial, dest} {
		if err := removeIfExists(p); err != nil {
			f.logger.Warn("failed to remove file", "path", p, "error", err)
		}
	}
}

func (f *Fetcher) recordETag(rawURL string, headers *Headers) {
	if etag := headers.ETag(); etag != "" {
		f.cache[rawURL] = etag
	}
}

// guard wraps r so the transfer is cancelled with ErrStalled when fewer
// bytes than the low-speed threshold arrive within one window.
func (f *Fetcher) guard(ctx context.Context, cancel context.CancelCauseFunc, r io.Reader) io.Reader {
	if f.cfg.LowSpeedLimit <= 0 || f.cfg.LowSpeedTime <= 0 {
		return r
	}
	minBytes := int64(float64(f.cfg.LowSpeedLimit) * f.cfg.LowSpeedTime.Seconds())
	if minBytes < 1 {
		minBytes = 1
	}
	cr := &countingReader{r: r}
	go func() {
		ticker := time.NewTicker(f.cfg.LowSpeedTime)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cr.n.Swap(0) < minBytes {
					cancel(ErrStalled)
					return
				}
			}
		}
	}()
	return cr
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
