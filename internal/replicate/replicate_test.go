package replicate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/clean-dependency-project/sumirror/internal/fetch"
)

// stubFetcher records calls and writes fixed content.
type stubFetcher struct {
	calls   []string
	opts    []fetch.Options
	content string
	err     error
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL, dest string, opts fetch.Options) (*fetch.Headers, error) {
	s.calls = append(s.calls, rawURL)
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	if err := os.WriteFile(dest, []byte(s.content), 0o644); err != nil {
		return nil, err
	}
	h := fetch.NewHeaders()
	_ = h.ParseLine("HTTP/1.1 200 OK")
	return h, nil
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		url     string
		want    string
		wantErr bool
	}{
		{
			name: "scheme and host stripped",
			url:  "https://swscan.example.com/content/catalogs/index.sucatalog",
			want: "content/catalogs/index.sucatalog",
		},
		{
			name: "query dropped",
			url:  "http://h/a/b.pkg?token=1",
			want: "a/b.pkg",
		},
		{
			name: "dot segments normalized",
			url:  "http://h/a/./c/../b.dist",
			want: "a/b.dist",
		},
		{
			name: "traversal cannot escape",
			url:  "http://h/../../etc/passwd",
			want: "etc/passwd",
		},
		{
			name:    "base prefix stripped",
			baseURL: "http://h/content/",
			url:     "http://h/content/downloads/x.pkg",
			want:    "downloads/x.pkg",
		},
		{
			name:    "other hosts ignore base",
			baseURL: "http://h/content/",
			url:     "http://other/downloads/x.pkg",
			want:    "downloads/x.pkg",
		},
		{
			name:    "no path",
			url:     "http://h/",
			wantErr: true,
		},
		{
			name:    "empty",
			url:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("/mirror", tt.baseURL, nil, nil)
			got, err := r.RelativePath(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RelativePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RelativePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocalPathIsDeterministic(t *testing.T) {
	root := t.TempDir()
	r := New(root, "", nil, nil)
	url := "http://h/content/catalogs/others/index.sucatalog"

	first, err := r.LocalPath(url, ".apple")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.LocalPath(url, ".apple")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "content", "catalogs", "others", "index.sucatalog.apple")
	if first != want || second != want {
		t.Errorf("LocalPath() = %q, %q, want %q", first, second, want)
	}
}

func TestReplicateCreatesParentsAndFetches(t *testing.T) {
	root := t.TempDir()
	stub := &stubFetcher{content: "data"}
	r := New(root, "", stub, nil)

	local, err := r.Replicate(context.Background(), "http://h/a/b/c.pkg", Options{AllowResume: true, OnlyIfNewer: true})
	if err != nil {
		t.Fatalf("Replicate() error = %v", err)
	}
	if local != filepath.Join(root, "a", "b", "c.pkg") {
		t.Errorf("local = %q", local)
	}
	if len(stub.calls) != 1 || !stub.opts[0].AllowResume || !stub.opts[0].OnlyIfNewer {
		t.Errorf("fetch calls = %v opts = %+v", stub.calls, stub.opts)
	}
}

func TestReplicateCopyOnlyIfMissing(t *testing.T) {
	root := t.TempDir()
	stub := &stubFetcher{content: "data"}
	r := New(root, "", stub, nil)
	url := "http://h/x/y.dist"

	if _, err := r.Replicate(context.Background(), url, Options{CopyOnlyIfMissing: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Replicate(context.Background(), url, Options{CopyOnlyIfMissing: true}); err != nil {
		t.Fatal(err)
	}
	if len(stub.calls) != 1 {
		t.Errorf("fetch called %d times, want 1", len(stub.calls))
	}
}

func TestReplicateWrapsFetchFailure(t *testing.T) {
	cause := &fetch.ProtocolError{URL: "http://h/z", Code: 404, Description: "Not Found"}
	r := New(t.TempDir(), "", &stubFetcher{err: cause}, nil)

	_, err := r.Replicate(context.Background(), "http://h/z", Options{})
	var replErr *Error
	if !errors.As(err, &replErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	var protoErr *fetch.ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Code != 404 {
		t.Errorf("cause not preserved: %v", err)
	}
	if IsFilesystemError(err) {
		t.Error("protocol failure reported as filesystem failure")
	}
}

func TestReplicateReportsDirectoryFailure(t *testing.T) {
	root := t.TempDir()
	// a regular file where a directory is needed
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	stub := &stubFetcher{}
	r := New(root, "", stub, nil)

	_, err := r.Replicate(context.Background(), "http://h/a/b.pkg", Options{})
	if err == nil {
		t.Fatal("expected directory creation failure")
	}
	if !IsFilesystemError(err) {
		t.Errorf("IsFilesystemError(%v) = false", err)
	}
	if len(stub.calls) != 0 {
		t.Error("fetch attempted after directory failure")
	}
}
