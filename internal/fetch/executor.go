package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// Executor performs one HTTP exchange. Header lines are streamed to
// onHeaderLine (status line first, blank line last) before the body is
// returned. Any returned error is a transport failure.
type Executor interface {
	Execute(ctx context.Context, req *http.Request, onHeaderLine func(string) error) (io.ReadCloser, error)
}

// HTTPExecutor is the net/http backed Executor.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor creates an executor with the given connect timeout.
// Transfers themselves have no overall deadline; stalls are detected by the
// fetcher's low-speed guard instead.
func NewHTTPExecutor(connectTimeout time.Duration) *HTTPExecutor {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: 2 * connectTimeout,
		IdleConnTimeout:       90 * time.Second,
		// raw bytes are needed so sizes match content-length and ranges line up
		DisableCompression: true,
	}
	return &HTTPExecutor{client: &http.Client{Transport: transport}}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req *http.Request, onHeaderLine func(string) error) (io.ReadCloser, error) {
	resp, err := e.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	lines := []string{resp.Proto + " " + resp.Status}
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			lines = append(lines, name+": "+v)
		}
	}
	if resp.Header.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		lines = append(lines, "Content-Length: "+strconv.FormatInt(resp.ContentLength, 10))
	}
	lines = append(lines, "")

	for _, line := range lines {
		if err := onHeaderLine(line); err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
	}
	return resp.Body, nil
}
